package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type methodType struct {
	sync.Mutex // protects counters
	method     reflect.Method
	ArgType    reflect.Type
	ReplyType  reflect.Type
	numCalls   uint
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

type Server struct {
	listener   net.Listener
	serviceMap sync.Map // map[string]*service
}

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

func (srv *Server) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.rcvr).Type().Name()
	if sname == "" {
		s := fmt.Sprintf("rpc.Register: no service name for type %s", s.typ.String())
		log.Error(s)
		return errors.New(s)
	}
	if !token.IsExported(sname) {
		s := "rpc.Register: type " + sname + " is not exported"
		log.Error(s)
		return errors.New(s)
	}
	s.name = sname

	// Install the methods
	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		str := "rpc.Register: type " + sname + " has no exported methods of suitable type"
		log.Error(str)
		return errors.New(str)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	// Some debug logging
	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
	}

	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// suitableMethods returns suitable Rpc methods of typ.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		// Method must be exported.
		if !method.IsExported() {
			continue
		}
		// Method needs three ins: receiver, *args, *reply.
		if mtype.NumIn() != 3 {
			log.Errorf("rpc.Register: method %q has %d input parameters; needs exactly three", mname, mtype.NumIn())
			continue
		}
		// First arg need not be a pointer.
		argType := mtype.In(1)
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("rpc.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		// Second arg must be a pointer.
		replyType := mtype.In(2)
		if replyType.Kind() != reflect.Pointer {
			log.Errorf("rpc.Register: reply type of method %q is not a pointer: %q", mname, replyType)
			continue
		}
		// Reply type must be exported.
		if !isExportedOrBuiltinType(replyType) {
			log.Errorf("rpc.Register: reply type of method %q is not exported: %q", mname, replyType)
			continue
		}
		// Method needs one out.
		if mtype.NumOut() != 1 {
			log.Errorf("rpc.Register: method %q has %d output parameters; needs exactly one", mname, mtype.NumOut())
			continue
		}
		// The return type of the method must be error.
		if returnType := mtype.Out(0); returnType != reflect.TypeFor[error]() {
			log.Errorf("rpc.Register: return type of method %q is %q, must be error", mname, returnType)
			continue
		}
		methods[mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

func (srv *Server) Serve(ctx context.Context) error {
	// Start a goroutine to close the listener when the context is cancelled.
	// This will cause srv.listener.Accept() to return an error.
	go func() {
		<-ctx.Done()
		log.Infof("crpc.Server: context cancelled, initiating shutdown for listener %s", srv.listener.Addr())
		// Closing the listener will cause the Accept loop to unblock.
		err := srv.listener.Close()
		if err != nil {
			// Log if closing the listener itself failed, but proceed with shutdown.
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			// Check if the context is cancelled. This is the primary signal for shutdown.
			select {
			case <-ctx.Done():
				// Context was cancelled, listener.Close() was called (or is about to be).
				// Accept() returning an error is expected in this case.
				log.Infof("crpc.Server: shutting down listener %s due to context cancellation.", srv.listener.Addr())
				return ctx.Err()
			default:
				// Context not cancelled yet, so the error from Accept() is for another reason.
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if tempDelay == 0 {
						tempDelay = 5 * time.Millisecond
					} else {
						tempDelay *= 2
					}
					if max := 1 * time.Second; tempDelay > max {
						tempDelay = max
					}
					log.Warnf("crpc.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
					time.Sleep(tempDelay)
					continue
				}
				// If the error is not a timeout, and context is not done,
				// it's likely a non-recoverable error for the listener.
				log.Errorf("crpc.Server: critical accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
				return err // Return the unexpected error.
			}
		}

		tempDelay = 0 // Reset tempDelay on successful accept
		log.Debugf("crpc.Server: accepted connection from %s on %s", rw.RemoteAddr().String(), srv.listener.Addr())
		go srv.serveConn(ctx, rw)
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the read below on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c := newCodec(conn)
	for {
		dec, err := c.read()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debugf("crpc.Server: connection %s closed: %v", conn.RemoteAddr(), err)
			} else {
				log.Errorf("crpc.Server: error reading request from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		req := &RequestHeader{}
		if err := dec.Decode(req); err != nil {
			log.Errorf("crpc.Server: error decoding request header from %s: %v", conn.RemoteAddr(), err)
			return
		}

		reply, callErr := srv.dispatch(req, dec)

		repl := &ResponseHeader{Seq: req.Seq}
		if callErr != nil {
			repl.Err = callErr.Error()
			reply = nil
		}
		if err := c.write(repl, reply); err != nil {
			log.Errorf("crpc.Server: error writing response for %s to %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
	}
}

// dispatch looks up and invokes the method named in req. Lookup and decoding failures are
// reported to the caller instead of dropping the connection.
func (srv *Server) dispatch(req *RequestHeader, dec *cbor.Decoder) (reply any, callErr error) {
	dot := strings.LastIndex(req.Method, ".")
	if dot < 0 {
		return nil, fmt.Errorf("rpc: service/method request ill-formed: %q", req.Method)
	}
	serviceName := req.Method[:dot]
	methodName := req.Method[dot+1:]

	svci, ok := srv.serviceMap.Load(serviceName)
	if !ok {
		return nil, fmt.Errorf("rpc: can't find service %q", serviceName)
	}
	svc := svci.(*service)
	mtype := svc.method[methodName]
	if mtype == nil {
		return nil, fmt.Errorf("rpc: can't find method %q", req.Method)
	}

	var argv reflect.Value
	if mtype.ArgType.Kind() == reflect.Pointer {
		argv = reflect.New(mtype.ArgType.Elem())
	} else {
		argv = reflect.New(mtype.ArgType)
	}
	if err := dec.Decode(argv.Interface()); err != nil {
		return nil, fmt.Errorf("rpc: error decoding argument for %s: %w", req.Method, err)
	}
	if mtype.ArgType.Kind() != reflect.Pointer {
		argv = argv.Elem()
	}

	replyv := reflect.New(mtype.ReplyType.Elem())

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic during RPC call %s: %v", req.Method, r)
			callErr = fmt.Errorf("rpc: internal server error during %s", req.Method)
		}
	}()
	if err := svc.call(mtype, argv, replyv); err != nil {
		return nil, err
	}
	return replyv.Interface(), nil
}

func (svc *service) call(mtype *methodType, argv, replyv reflect.Value) error {
	mtype.Lock()
	mtype.numCalls++
	mtype.Unlock()
	function := mtype.method.Func
	// Invoke the method, providing a new value for the reply.
	returnValues := function.Call([]reflect.Value{svc.rcvr, argv, replyv})
	// The return value for the method is an error.
	errInter := returnValues[0].Interface()
	if errInter != nil {
		return errInter.(error)
	}
	return nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}
