// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered handler.
//
// Handlers are exported methods of a registered receiver with the signature
//
//	func (s *Service) Method(from *net.UDPAddr, msg *Message)
//
// and are addressed as "Service.Method".
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"go/token"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/ipv4"

	log "github.com/sirupsen/logrus"
)

const (
	maxDatagramSize = 64 * 1024
	multicastTTL    = 4
)

var ErrNoService = errors.New("mpubsub: no suitable service")

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type PubSub struct {
	rc         *net.UDPConn
	wc         net.PacketConn
	group      *net.UDPAddr
	serviceMap sync.Map
}

var udpAddrType = reflect.TypeOf((*net.UDPAddr)(nil))

// New wraps an already joined reader and a writer connected to (or able to reach) group.
func New(rconn *net.UDPConn, wconn net.PacketConn, group *net.UDPAddr) *PubSub {
	return &PubSub{
		rc:    rconn,
		wc:    wconn,
		group: group,
	}
}

// Open joins the multicast group on ifaceName (all multicast capable interfaces when empty)
// and returns a PubSub bound to it. Loopback is enabled so nodes on the same host see each other.
func Open(groupAddr string, ifaceName string) (*PubSub, error) {
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, err
	}
	if !group.IP.IsMulticast() {
		return nil, &net.AddrError{Err: "not a multicast address", Addr: groupAddr}
	}

	rc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: group.Port})
	if err != nil {
		return nil, err
	}

	pc := ipv4.NewPacketConn(rc)
	ifaces, err := multicastInterfaces(ifaceName)
	if err != nil {
		rc.Close()
		return nil, err
	}
	joined := 0
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group.IP}); err != nil {
			log.Debugf("mpubsub: cannot join %s on %s: %v", group.IP, ifaces[i].Name, err)
			continue
		}
		joined++
	}
	if joined == 0 {
		rc.Close()
		return nil, &net.AddrError{Err: "could not join multicast group on any interface", Addr: groupAddr}
	}

	wc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		rc.Close()
		return nil, err
	}
	wpc := ipv4.NewPacketConn(wc)
	if err := wpc.SetMulticastLoopback(true); err != nil {
		log.Warnf("mpubsub: failed to enable multicast loopback: %v", err)
	}
	if err := wpc.SetMulticastTTL(multicastTTL); err != nil {
		log.Warnf("mpubsub: failed to set multicast TTL: %v", err)
	}
	if ifaceName != "" && len(ifaces) == 1 {
		if err := wpc.SetMulticastInterface(&ifaces[0]); err != nil {
			log.Warnf("mpubsub: failed to select multicast interface %s: %v", ifaceName, err)
		}
	}

	log.Infof("mpubsub: joined %s on %d interface(s)", group, joined)

	return New(rc, wc, group), nil
}

func multicastInterfaces(name string) ([]net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, err
		}
		return []net.Interface{*iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out, nil
}

func (ps *PubSub) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.sub).Type().Name()
	if sname == "" {
		log.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
		return ErrNoService
	}
	if !token.IsExported(sname) {
		log.Errorf("mpubsub.Register: type %q is not exported", sname)
		return ErrNoService
	}
	s.name = sname

	// Install the methods
	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		log.Errorf("mpubsub.Register: type %s has no exported methods of suitable type", sname)
		return ErrNoService
	}
	ps.serviceMap.Store(sname, s)

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
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

func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		if !method.IsExported() {
			continue
		}
		// Receiver, *net.UDPAddr, *args.
		if mtype.NumIn() != 3 {
			log.Debugf("mpubsub.Register: method %q has %d input parameters; needs exactly three", mname, mtype.NumIn())
			continue
		}
		if mtype.In(1) != udpAddrType {
			log.Debugf("mpubsub.Register: first argument of method %q is not *net.UDPAddr", mname)
			continue
		}
		argType := mtype.In(2)
		if argType.Kind() != reflect.Pointer {
			log.Errorf("mpubsub.Register: argument type of method %q is not a pointer: %q", mname, argType)
			continue
		}
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("mpubsub.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		if mtype.NumOut() != 0 {
			log.Errorf("mpubsub.Register: method %q has %d output parameters; needs exactly zero", mname, mtype.NumOut())
			continue
		}
		handlers[mname] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > maxDatagramSize {
		return errors.New("mpubsub: message exceeds datagram size")
	}

	_, err := ps.wc.WriteTo(buf.Bytes(), ps.group)
	return err
}

// Listen dispatches received messages until ctx is cancelled.
func (ps *PubSub) Listen(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ps.rc.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := ps.rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("mpubsub: failed to read message: %v", err)
			continue
		}
		ps.dispatch(from, buf[:n])
	}
}

func (ps *PubSub) dispatch(from *net.UDPAddr, datagram []byte) {
	// Wrap the message in a reader and pass on to CBOR decoder
	dec := cbor.NewDecoder(bytes.NewReader(datagram))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		log.Debugf("mpubsub: failed to unmarshal message from %s: %v", from, err)
		return
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		log.Debugf("mpubsub: service/method ill-formed: %q from %s", msg.ServiceMethod, from)
		return
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		log.Debugf("mpubsub: can't find service %s", msg.ServiceMethod)
		return
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		log.Debugf("mpubsub: can't find method %s", msg.ServiceMethod)
		return
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		log.Debugf("mpubsub: failed to unmarshal arguments for %s: %v", msg.ServiceMethod, err)
		return
	}

	handler.method.Func.Call([]reflect.Value{svc.sub, reflect.ValueOf(from), arg})
}

// Close releases both sockets.
func (ps *PubSub) Close() error {
	err1 := ps.rc.Close()
	err2 := ps.wc.Close()
	if err1 != nil && !errors.Is(err1, net.ErrClosed) {
		return err1
	}
	if err2 != nil && !errors.Is(err2, net.ErrClosed) {
		return err2
	}
	return nil
}
