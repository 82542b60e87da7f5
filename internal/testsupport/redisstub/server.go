// Package redisstub runs a minimal in-process Redis server speaking just
// enough RESP for the task queue and readiness store adapters under test.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	streams  map[string]*redisStream
	hashes   map[string]map[string]string
	failNext map[string]int
	seq      int64
	closed   chan struct{}
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id     string
	values map[string]string
}

type groupState struct {
	nextIndex int
	pending   map[string]time.Time
}

// simpleString and respError distinguish RESP reply kinds from bulk strings.
type simpleString string

type respError string

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:    opts,
		streams: make(map[string]*redisStream),
		hashes:  make(map[string]map[string]string),
		closed:  make(chan struct{}),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
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

// HashFields returns a copy of a stored hash for assertions.
func (s *Server) HashFields(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for field, value := range s.hashes[key] {
		out[field] = value
	}
	return out
}

// StreamLen reports the number of entries appended to a stream.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	return len(strm.entries)
}

// FailNext makes the server answer the next invocation of the named command
// with an error reply. Repeated calls stack.
func (s *Server) FailNext(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext == nil {
		s.failNext = make(map[string]int)
	}
	s.failNext[strings.ToUpper(command)]++
}

// PendingCount reports how many deliveries await acknowledgment in a group.
func (s *Server) PendingCount(stream, group string) int {
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
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	inTx := false
	var queued [][]string
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeReply(writer, respError("ERR wrong number of arguments")) != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		var reply interface{}
		switch cmd {
		case "PING":
			reply = simpleString("PONG")
		case "HELLO":
			// RESP3 negotiation is not supported; the client falls
			// back to RESP2 as long as the connection stays open.
			reply = respError("ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			reply = simpleString("OK")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				reply = respError("ERR wrong number of arguments for 'auth'")
			}
			if reply == nil {
				if s.opts.Password == "" || password == s.opts.Password {
					authenticated = true
					reply = simpleString("OK")
				} else {
					reply = respError("WRONGPASS invalid username-password pair")
				}
			}
		case "MULTI":
			if !authenticated {
				reply = respError("NOAUTH Authentication required.")
				break
			}
			inTx = true
			queued = queued[:0]
			reply = simpleString("OK")
		case "EXEC":
			if !authenticated {
				reply = respError("NOAUTH Authentication required.")
				break
			}
			if !inTx {
				reply = respError("ERR EXEC without MULTI")
				break
			}
			inTx = false
			results := make([]interface{}, 0, len(queued))
			for _, queuedArgs := range queued {
				results = append(results, s.execute(queuedArgs))
			}
			queued = nil
			reply = results
		case "DISCARD":
			inTx = false
			queued = nil
			reply = simpleString("OK")
		default:
			if !authenticated {
				reply = respError("NOAUTH Authentication required.")
				break
			}
			if inTx {
				queued = append(queued, args)
				reply = simpleString("QUEUED")
				break
			}
			reply = s.execute(args)
		}
		if err := writeReply(writer, reply); err != nil {
			return
		}
	}
}

func (s *Server) execute(args []string) interface{} {
	cmd := strings.ToUpper(args[0])
	s.mu.Lock()
	if s.failNext[cmd] > 0 {
		s.failNext[cmd]--
		s.mu.Unlock()
		return respError("ERR injected failure")
	}
	s.mu.Unlock()
	switch cmd {
	case "XADD":
		return s.execXAdd(args)
	case "XGROUP":
		return s.execXGroup(args)
	case "XREADGROUP":
		return s.execXReadGroup(args)
	case "XACK":
		return s.execXAck(args)
	case "XAUTOCLAIM":
		return s.execXAutoClaim(args)
	case "HSET":
		return s.execHSet(args)
	case "HGETALL":
		return s.execHGetAll(args)
	case "DEL":
		return s.execDel(args)
	default:
		return respError(fmt.Sprintf("ERR unsupported command '%s'", cmd))
	}
}

func (s *Server) execXAdd(args []string) interface{} {
	if len(args) < 5 {
		return respError("ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	id := args[2]
	values := make(map[string]string)
	for i := 3; i+1 < len(args); i += 2 {
		values[args[i]] = args[i+1]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	strm := s.ensureStream(stream)
	strm.entries = append(strm.entries, streamEntry{id: id, values: values})
	return id
}

func (s *Server) execXGroup(args []string) interface{} {
	if len(args) < 5 {
		return respError("ERR wrong number of arguments for 'xgroup'")
	}
	if strings.ToUpper(args[1]) != "CREATE" {
		return respError("ERR only CREATE supported")
	}
	stream := args[2]
	group := args[3]
	start := args[4]
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	if _, exists := strm.groups[group]; exists {
		return respError("BUSYGROUP Consumer Group name already exists")
	}
	state := &groupState{pending: make(map[string]time.Time)}
	if start == "$" {
		state.nextIndex = len(strm.entries)
	}
	strm.groups[group] = state
	return simpleString("OK")
}

func (s *Server) execXReadGroup(args []string) interface{} {
	var group, stream string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return respError("ERR syntax error")
			}
			group = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return respError("ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return respError("ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return respError("ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return respError("ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+1 >= len(args) {
				return respError("ERR syntax error")
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return respError("ERR missing stream or group")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records := s.readGroup(stream, group, count)
		if len(records) > 0 {
			return []interface{}{[]interface{}{stream, records}}
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-s.closed:
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(stream, group string, count int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		state = &groupState{pending: make(map[string]time.Time)}
		strm.groups[group] = state
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil
	}
	end := start + count
	if end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	now := time.Now()
	for i := start; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = now
		records = append(records, []interface{}{entry.id, flatten(entry.values)})
	}
	state.nextIndex = end
	return records
}

func (s *Server) execXAck(args []string) interface{} {
	if len(args) < 4 {
		return respError("ERR wrong number of arguments for 'xack'")
	}
	stream := args[1]
	group := args[2]
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return int64(0)
	}
	state, ok := strm.groups[group]
	if !ok {
		return int64(0)
	}
	acked := int64(0)
	for _, id := range args[3:] {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			acked++
		}
	}
	return acked
}

func (s *Server) execXAutoClaim(args []string) interface{} {
	if len(args) < 6 {
		return respError("ERR wrong number of arguments for 'xautoclaim'")
	}
	stream := args[1]
	group := args[2]
	minIdleMs, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return respError("ERR invalid min-idle-time")
	}
	count := 100
	for i := 6; i < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" && i+1 < len(args) {
			if v, convErr := strconv.Atoi(args[i+1]); convErr == nil {
				count = v
			}
			i++
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return []interface{}{"0-0", []interface{}{}}
	}
	state, ok := strm.groups[group]
	if !ok {
		return []interface{}{"0-0", []interface{}{}}
	}
	now := time.Now()
	minIdle := time.Duration(minIdleMs) * time.Millisecond
	claimed := make([]interface{}, 0)
	for _, entry := range strm.entries {
		if len(claimed) >= count {
			break
		}
		deliveredAt, pending := state.pending[entry.id]
		if !pending || now.Sub(deliveredAt) < minIdle {
			continue
		}
		state.pending[entry.id] = now
		claimed = append(claimed, []interface{}{entry.id, flatten(entry.values)})
	}
	return []interface{}{"0-0", claimed}
}

func (s *Server) execHSet(args []string) interface{} {
	if len(args) < 4 || len(args)%2 != 0 {
		return respError("ERR wrong number of arguments for 'hset'")
	}
	key := args[1]
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	added := int64(0)
	for i := 2; i+1 < len(args); i += 2 {
		if _, exists := hash[args[i]]; !exists {
			added++
		}
		hash[args[i]] = args[i+1]
	}
	return added
}

func (s *Server) execHGetAll(args []string) interface{} {
	if len(args) != 2 {
		return respError("ERR wrong number of arguments for 'hgetall'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.hashes[args[1]]
	return flatten(hash)
}

func (s *Server) execDel(args []string) interface{} {
	if len(args) < 2 {
		return respError("ERR wrong number of arguments for 'del'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := int64(0)
	for _, key := range args[1:] {
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			deleted++
		}
		if _, ok := s.streams[key]; ok {
			delete(s.streams, key)
			deleted++
		}
	}
	return deleted
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{}
		s.streams[name] = strm
	}
	if strm.groups == nil {
		strm.groups = make(map[string]*groupState)
	}
	return strm
}

func flatten(values map[string]string) []interface{} {
	out := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		out = append(out, k, v)
	}
	return out
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	for read := 0; read < len(buf); {
		n, err := r.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += n
	}
	return string(buf[:length]), nil
}

func writeReply(w *bufio.Writer, reply interface{}) error {
	if err := writeValue(w, reply); err != nil {
		return err
	}
	return w.Flush()
}

func writeValue(w *bufio.Writer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		_, err := w.WriteString("$-1\r\n")
		return err
	case simpleString:
		_, err := fmt.Fprintf(w, "+%s\r\n", string(v))
		return err
	case respError:
		_, err := fmt.Fprintf(w, "-%s\r\n", string(v))
		return err
	case string:
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		return err
	case int64:
		_, err := fmt.Fprintf(w, ":%d\r\n", v)
		return err
	case []interface{}:
		if _, err := fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeValue(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		text := fmt.Sprint(v)
		_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(text), text)
		return err
	}
}
