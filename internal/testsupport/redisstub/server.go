// Package redisstub is an in-process RESP2 server covering the Redis
// commands used by the queue and progress packages: streams with consumer
// groups (XADD, XGROUP, XREADGROUP, XACK, XAUTOCLAIM, XLEN, XPENDING summary)
// and PUBLISH/SUBSCRIBE. Unknown commands get an error reply and leave the
// connection open, which lets go-redis fall back from HELLO to RESP2.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*redisStream
	channels map[string]map[*conn]struct{}
	lastID   int64
	closed   chan struct{}
	certPEM  []byte
	keyPEM   []byte
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id      string
	fields  []string
	deleted bool
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type groupState struct {
	nextIndex int
	pending   map[string]*pendingEntry
}

// conn serialises writes so PUBLISH from other connections can push messages
// to a subscriber.
type conn struct {
	net.Conn
	wmu    sync.Mutex
	writer *bufio.Writer
}

func (c *conn) reply(fn func(w *bufio.Writer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := fn(c.writer); err != nil {
		return err
	}
	return c.writer.Flush()
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		streams:  make(map[string]*redisStream),
		channels: make(map[string]map[*conn]struct{}),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

// Pending reports how many entries of stream are delivered to group but not
// yet acknowledged.
func (s *Server) Pending(stream, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	return len(state.pending)
}

func (s *Server) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(&conn{Conn: c, writer: bufio.NewWriter(c)})
	}
}

func (s *Server) handleConnection(c *conn) {
	defer c.Close()
	defer s.unsubscribeAll(c)
	reader := bufio.NewReader(c)
	authenticated := s.opts.Password == ""
	subscribed := false
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if c.reply(errorReply("ERR wrong number of arguments")) != nil {
				return
			}
			continue
		}
		var reply func(*bufio.Writer) error
		switch cmd := strings.ToUpper(args[0]); {
		case cmd == "AUTH":
			reply, authenticated = s.auth(args, authenticated)
		case cmd == "HELLO":
			reply = errorReply("ERR unknown command 'HELLO'")
		case cmd == "CLIENT" || cmd == "SELECT":
			reply = simpleReply("OK")
		case !authenticated:
			reply = errorReply("NOAUTH Authentication required.")
		case cmd == "PING" && subscribed:
			reply = arrayReply([]interface{}{"pong", ""})
		case cmd == "PING":
			reply = simpleReply("PONG")
		case cmd == "SUBSCRIBE":
			subscribed = true
			if s.subscribe(c, args[1:]) != nil {
				return
			}
			continue
		case cmd == "UNSUBSCRIBE":
			if s.unsubscribe(c, args[1:]) != nil {
				return
			}
			continue
		default:
			reply = s.dispatch(args)
		}
		if c.reply(reply) != nil {
			return
		}
	}
}

func (s *Server) auth(args []string, current bool) (func(*bufio.Writer) error, bool) {
	var password string
	switch len(args) {
	case 2:
		password = args[1]
	case 3:
		password = args[2]
	default:
		return errorReply("ERR wrong number of arguments for 'auth'"), current
	}
	if s.opts.Password == "" || password == s.opts.Password {
		return simpleReply("OK"), true
	}
	return errorReply("WRONGPASS invalid username-password pair"), current
}

func (s *Server) dispatch(args []string) func(*bufio.Writer) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(args)
	case "XGROUP":
		return s.handleXGroup(args)
	case "XREADGROUP":
		return s.handleXReadGroup(args)
	case "XACK":
		if len(args) < 4 {
			return errorReply("ERR wrong number of arguments for 'xack'")
		}
		return integerReply(int64(s.ack(args[1], args[2], args[3:])))
	case "XAUTOCLAIM":
		return s.handleXAutoClaim(args)
	case "XLEN":
		if len(args) != 2 {
			return errorReply("ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if strm, ok := s.streams[args[1]]; ok {
			return integerReply(int64(strm.length()))
		}
		return integerReply(0)
	case "XDEL":
		if len(args) < 3 {
			return errorReply("ERR wrong number of arguments for 'xdel'")
		}
		return integerReply(int64(s.deleteEntries(args[1], args[2:])))
	case "XPENDING":
		return s.handleXPending(args)
	case "PUBLISH":
		if len(args) != 3 {
			return errorReply("ERR wrong number of arguments for 'publish'")
		}
		return integerReply(int64(s.publish(args[1], args[2])))
	default:
		return errorReply(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{groups: make(map[string]*groupState)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) handleXAdd(args []string) func(*bufio.Writer) error {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return errorReply("ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := args[2]
	if id == "*" {
		now := time.Now().UnixMilli()
		if now <= s.lastID {
			now = s.lastID + 1
		}
		s.lastID = now
		id = fmt.Sprintf("%d-0", now)
	}
	strm := s.ensureStream(args[1])
	strm.entries = append(strm.entries, streamEntry{id: id, fields: append([]string(nil), args[3:]...)})
	return bulkReply(id)
}

func (s *Server) handleXGroup(args []string) func(*bufio.Writer) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return errorReply("ERR only XGROUP CREATE is supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, group := args[2], args[3]
	mkstream := len(args) > 5 && strings.ToUpper(args[5]) == "MKSTREAM"
	if _, ok := s.streams[stream]; !ok && !mkstream {
		return errorReply("ERR The XGROUP subcommand requires the key to exist")
	}
	strm := s.ensureStream(stream)
	if _, exists := strm.groups[group]; exists {
		return errorReply("BUSYGROUP Consumer Group name already exists")
	}
	state := &groupState{pending: make(map[string]*pendingEntry)}
	if args[4] == "$" {
		state.nextIndex = len(strm.entries)
	}
	strm.groups[group] = state
	return simpleReply("OK")
}

func (s *Server) handleXReadGroup(args []string) func(*bufio.Writer) error {
	var group, consumer, stream string
	count := 1
	blockMs := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return errorReply("ERR syntax error")
			}
			group, consumer = args[i+1], args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return errorReply("ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return errorReply("ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return errorReply("ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return errorReply("ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return errorReply("ERR syntax error")
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return errorReply("ERR missing stream or group")
	}
	s.mu.Lock()
	strm, ok := s.streams[stream]
	groupExists := ok && strm.groups[group] != nil
	s.mu.Unlock()
	if !groupExists {
		return errorReply("NOGROUP No such key or consumer group")
	}

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records := s.readGroup(stream, group, consumer, count)
		if len(records) > 0 {
			return arrayReply([]interface{}{[]interface{}{stream, records}})
		}
		if blockMs < 0 || (blockMs > 0 && time.Now().After(deadline)) {
			return nilReply
		}
		select {
		case <-s.closed:
			return nilReply
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(stream, group, consumer string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state := strm.groups[group]
	if state == nil || state.nextIndex >= len(strm.entries) {
		return nil
	}
	end := state.nextIndex + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-state.nextIndex)
	now := time.Now()
	for i := state.nextIndex; i < end; i++ {
		entry := strm.entries[i]
		if entry.deleted {
			continue
		}
		state.pending[entry.id] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		records = append(records, entryReply(entry))
	}
	state.nextIndex = end
	return records
}

func entryReply(entry streamEntry) []interface{} {
	fields := make([]interface{}, 0, len(entry.fields))
	for _, field := range entry.fields {
		fields = append(fields, field)
	}
	return []interface{}{entry.id, fields}
}

// handleXAutoClaim implements
// XAUTOCLAIM key group consumer min-idle-time start [COUNT count].
// The cursor is ignored and the scan always starts at the oldest entry.
func (s *Server) handleXAutoClaim(args []string) func(*bufio.Writer) error {
	if len(args) < 6 {
		return errorReply("ERR wrong number of arguments for 'xautoclaim'")
	}
	stream, group, consumer := args[1], args[2], args[3]
	minIdle, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return errorReply("ERR Invalid min-idle-time argument for XAUTOCLAIM")
	}
	count := 100
	for i := 6; i+1 < len(args); i += 2 {
		if strings.ToUpper(args[i]) == "COUNT" {
			if v, err := strconv.Atoi(args[i+1]); err == nil {
				count = v
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok || strm.groups[group] == nil {
		return errorReply("NOGROUP No such key or consumer group")
	}
	state := strm.groups[group]
	now := time.Now()
	claimed := make([]interface{}, 0)
	for _, entry := range strm.entries {
		if len(claimed) >= count {
			break
		}
		pending, ok := state.pending[entry.id]
		if !ok || entry.deleted || now.Sub(pending.deliveredAt) < time.Duration(minIdle)*time.Millisecond {
			continue
		}
		pending.consumer = consumer
		pending.deliveredAt = now
		pending.deliveries++
		claimed = append(claimed, entryReply(entry))
	}
	return arrayReply([]interface{}{"0-0", claimed, []interface{}{}})
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
}

func (strm *redisStream) length() int {
	n := 0
	for _, entry := range strm.entries {
		if !entry.deleted {
			n++
		}
	}
	return n
}

func (s *Server) deleteEntries(stream string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	count := 0
	for i := range strm.entries {
		for _, id := range ids {
			if strm.entries[i].id == id && !strm.entries[i].deleted {
				strm.entries[i].deleted = true
				count++
			}
		}
	}
	return count
}

// handleXPending implements the summary form: XPENDING key group.
func (s *Server) handleXPending(args []string) func(*bufio.Writer) error {
	if len(args) != 3 {
		return errorReply("ERR only the XPENDING summary form is supported")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[args[1]]
	if !ok || strm.groups[args[2]] == nil {
		return errorReply("NOGROUP No such key or consumer group")
	}
	state := strm.groups[args[2]]
	if len(state.pending) == 0 {
		return arrayReply([]interface{}{int64(0), nil, nil, nilArray{}})
	}
	var lowest, highest string
	perConsumer := make(map[string]int)
	var consumers []string
	for _, entry := range strm.entries {
		pending, ok := state.pending[entry.id]
		if !ok {
			continue
		}
		if lowest == "" {
			lowest = entry.id
		}
		highest = entry.id
		if _, seen := perConsumer[pending.consumer]; !seen {
			consumers = append(consumers, pending.consumer)
		}
		perConsumer[pending.consumer]++
	}
	rows := make([]interface{}, 0, len(consumers))
	for _, consumer := range consumers {
		rows = append(rows, []interface{}{consumer, strconv.Itoa(perConsumer[consumer])})
	}
	return arrayReply([]interface{}{int64(len(state.pending)), lowest, highest, rows})
}

func (s *Server) subscribe(c *conn, channels []string) error {
	for _, channel := range channels {
		s.mu.Lock()
		subs, ok := s.channels[channel]
		if !ok {
			subs = make(map[*conn]struct{})
			s.channels[channel] = subs
		}
		subs[c] = struct{}{}
		total := s.subscriptionCount(c)
		s.mu.Unlock()
		if err := c.reply(arrayReply([]interface{}{"subscribe", channel, int64(total)})); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) unsubscribe(c *conn, channels []string) error {
	s.mu.Lock()
	if len(channels) == 0 {
		for channel, subs := range s.channels {
			if _, ok := subs[c]; ok {
				channels = append(channels, channel)
			}
		}
	}
	s.mu.Unlock()
	for _, channel := range channels {
		s.mu.Lock()
		delete(s.channels[channel], c)
		total := s.subscriptionCount(c)
		s.mu.Unlock()
		if err := c.reply(arrayReply([]interface{}{"unsubscribe", channel, int64(total)})); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) unsubscribeAll(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.channels {
		delete(subs, c)
	}
}

func (s *Server) subscriptionCount(c *conn) int {
	total := 0
	for _, subs := range s.channels {
		if _, ok := subs[c]; ok {
			total++
		}
	}
	return total
}

func (s *Server) publish(channel, payload string) int {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.channels[channel]))
	for c := range s.channels[channel] {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	delivered := 0
	for _, c := range targets {
		if c.reply(arrayReply([]interface{}{"message", channel, payload})) == nil {
			delivered++
		}
	}
	return delivered
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}
