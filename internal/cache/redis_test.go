package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis speaks enough RESP for the commands RedisProvider issues.
type fakeRedis struct {
	ln net.Listener

	mu    sync.Mutex
	kv    map[string]string
	lists map[string][]string
	pings int
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeRedis{ln: ln, kv: make(map[string]string), lists: make(map[string][]string)}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeRedis) addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		f.dispatch(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("unexpected %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(header, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func writeBulk(w *bufio.Writer, s string) {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
}

func writeArray(w *bufio.Writer, items []string) {
	fmt.Fprintf(w, "*%d\r\n", len(items))
	for _, it := range items {
		writeBulk(w, it)
	}
}

func (f *fakeRedis) dispatch(w *bufio.Writer, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		f.pings++
		w.WriteString("+PONG\r\n")
	case "GET":
		v, ok := f.kv[args[1]]
		if !ok {
			w.WriteString("$-1\r\n")
			return
		}
		writeBulk(w, v)
	case "SET":
		nx := false
		for _, a := range args[3:] {
			if strings.EqualFold(a, "NX") {
				nx = true
			}
		}
		if _, exists := f.kv[args[1]]; nx && exists {
			w.WriteString("$-1\r\n")
			return
		}
		f.kv[args[1]] = args[2]
		w.WriteString("+OK\r\n")
	case "SETNX":
		if _, exists := f.kv[args[1]]; exists {
			w.WriteString(":0\r\n")
			return
		}
		f.kv[args[1]] = args[2]
		w.WriteString(":1\r\n")
	case "DEL":
		n := 0
		for _, k := range args[1:] {
			if _, ok := f.kv[k]; ok {
				delete(f.kv, k)
				n++
			}
		}
		fmt.Fprintf(w, ":%d\r\n", n)
	case "SCAN":
		pattern := "*"
		for i := 2; i+1 < len(args); i++ {
			if strings.EqualFold(args[i], "MATCH") {
				pattern = args[i+1]
			}
		}
		keys := make([]string, 0)
		for k := range f.kv {
			if ok, _ := path.Match(pattern, k); ok {
				keys = append(keys, k)
			}
		}
		w.WriteString("*2\r\n")
		writeBulk(w, "0")
		writeArray(w, keys)
	case "LPUSH":
		list := f.lists[args[1]]
		for _, v := range args[2:] {
			list = append([]string{v}, list...)
		}
		f.lists[args[1]] = list
		fmt.Fprintf(w, ":%d\r\n", len(list))
	case "LTRIM":
		stop, _ := strconv.Atoi(args[3])
		if list := f.lists[args[1]]; stop+1 < len(list) {
			f.lists[args[1]] = list[:stop+1]
		}
		w.WriteString("+OK\r\n")
	case "LPOP":
		list := f.lists[args[1]]
		if len(list) == 0 {
			w.WriteString("*-1\r\n")
			return
		}
		n := 1
		if len(args) > 2 {
			n, _ = strconv.Atoi(args[2])
		}
		if n > len(list) {
			n = len(list)
		}
		popped := append([]string(nil), list[:n]...)
		f.lists[args[1]] = list[n:]
		writeArray(w, popped)
	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", args[0])
	}
}

func newTestProvider(t *testing.T, addr string) *RedisProvider {
	t.Helper()
	p, err := NewRedisProvider(RedisConfig{Addr: addr, DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewRedisProviderRequiresAddr(t *testing.T) {
	_, err := NewRedisProvider(RedisConfig{})
	require.Error(t, err)
}

func TestRedisProviderKeyValue(t *testing.T) {
	srv := startFakeRedis(t)
	p := newTestProvider(t, srv.addr())
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	_, err := p.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, p.Set(ctx, "k", []byte("v"), 0))
	got, err := p.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))

	var _ Provider = p
	_, err = NoopProvider{}.Get(ctx, "k")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisProviderInvalidatePrefix(t *testing.T) {
	srv := startFakeRedis(t)
	p := newTestProvider(t, srv.addr())
	ctx := context.Background()

	for _, k := range []string{"models:a", "models:b", "sessions:a"} {
		require.NoError(t, p.Set(ctx, k, []byte("x"), 0))
	}

	n, err := p.InvalidatePrefix(ctx, "models:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = p.Get(ctx, "sessions:a")
	assert.NoError(t, err)
}

func TestRedisProviderPopErrors(t *testing.T) {
	srv := startFakeRedis(t)
	p := newTestProvider(t, srv.addr())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.PushError(ctx, "errors:recent", fmt.Sprintf("err-%d", i), 3))
	}

	got, err := p.PopErrors(ctx, "errors:recent", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"err-5", "err-4"}, got)

	got, err = p.PopErrors(ctx, "errors:recent", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"err-3"}, got)

	// popped entries are gone
	got, err = p.PopErrors(ctx, "errors:recent", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = p.PopErrors(ctx, "errors:recent", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisProviderReconnect(t *testing.T) {
	srv := startFakeRedis(t)
	p := newTestProvider(t, srv.addr())
	ctx := context.Background()

	require.NoError(t, p.Reconnect(ctx))
	require.NoError(t, p.Ping(ctx))

	srv.mu.Lock()
	pings := srv.pings
	srv.mu.Unlock()
	assert.Equal(t, 2, pings)
}

func TestRedisProviderUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newTestProvider(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, p.Ping(ctx))
	assert.Error(t, p.Reconnect(ctx))
}
