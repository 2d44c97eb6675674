// Package server serves the guard over a line-oriented TCP protocol,
// optionally wrapped in TLS. Each request is one line; each reply is
// "OK <json>", "PONG" or "ERR <code> <message>".
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

const (
	maxConnections = 100
	connDeadline   = 5 * time.Minute
	readDeadline   = 30 * time.Second
	maxLineBytes   = 1 << 20

	// codeInternal marks errors that carry no guard error code.
	codeInternal = "INTERNAL"
)

// Guardian is the set of guard operations served over TCP.
type Guardian interface {
	Classify(ctx context.Context, ev schema.AttackEvent) schema.ThreatAssessment
	Intelligence() schema.Intelligence
	Admit(ctx context.Context, userID string, source schema.EntrySource, data any) (schema.Admission, error)
	Deposit(ctx context.Context, userID string, source schema.EntrySource, dataType schema.DataType, itemID string, data map[string]any) (schema.Deposit, error)
	Initiate(ctx context.Context, userID string, dataType schema.DataType, dataID string) (schema.InitiateResult, error)
	VerifyStep(ctx context.Context, userID, exitID string, step schema.Step, data map[string]string) (schema.StepResult, error)
	Execute(ctx context.Context, userID, exitID string) (schema.ExecuteResult, error)
	Attempt(ctx context.Context, userID, exitID string) (schema.ExitAttempt, error)
	DetectViolation(ctx context.Context, userID, action string) schema.Violation
	Statistics(ctx context.Context, userID string) schema.Statistics
}

type Router struct {
	guard  Guardian
	cert   *tls.Certificate
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func NewRouter(g Guardian, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{guard: g, logger: logger.Named("tcp"), conns: make(map[net.Conn]struct{})}
}

// SetCertificate enables TLS with cert.
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr returns the bound address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen serves on port until Stop is called. It returns nil after Stop.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()

	r.logger.Info("tcp listener started", zap.String("addr", listener.Addr().String()), zap.Bool("tls", r.cert != nil))

	semaphore := make(chan struct{}, maxConnections)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if r.stopped() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			r.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		conn.SetDeadline(time.Now().Add(connDeadline))
		if !r.track(conn) {
			conn.Close()
			continue
		}

		r.wg.Add(1)
		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				r.untrack(c)
				c.Close()
				r.wg.Done()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

func (r *Router) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Router) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *Router) untrack(c net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

// Stop closes the listener and every open connection, then waits for the
// handlers to return.
func (r *Router) Stop() error {
	r.mu.Lock()
	r.closing = true
	var err error
	if r.listener != nil {
		err = r.listener.Close()
	}
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReaderSize(conn, 64*1024)
	ctx := context.Background()

	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.stopped() {
				r.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		command, rest, _ := strings.Cut(line, " ")
		command = strings.ToUpper(command)

		if command == "QUIT" {
			return
		}
		if command == "PING" {
			fmt.Fprintln(conn, "PONG")
			continue
		}

		res, err := r.dispatch(ctx, command, strings.TrimSpace(rest))
		writeReply(conn, res, err)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if b.Len() > maxLineBytes {
			return "", errors.New("request line too long")
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

func writeReply(w io.Writer, res any, err error) {
	if err != nil {
		code := string(schema.CodeOf(err))
		msg := err.Error()
		var e *schema.Error
		if errors.As(err, &e) {
			msg = e.Message
		}
		if code == "" {
			code = codeInternal
		}
		fmt.Fprintln(w, "ERR", code, strings.ReplaceAll(msg, "\n", " "))
		return
	}
	out, merr := json.Marshal(res)
	if merr != nil {
		fmt.Fprintln(w, "ERR", codeInternal, "internal error")
		return
	}
	fmt.Fprintln(w, "OK", string(out))
}

func invalid(format string, args ...any) error {
	return schema.NewError(schema.CodeInvalidArgument, format, args...)
}

func decodeArg(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return invalid("invalid json value")
	}
	return nil
}

// fields splits rest into n leading words and the remainder.
func fields(rest string, n int) ([]string, string, bool) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			return nil, "", false
		}
		word, tail, _ := strings.Cut(rest, " ")
		out = append(out, word)
		rest = tail
	}
	return out, strings.TrimSpace(rest), true
}

func (r *Router) dispatch(ctx context.Context, command, rest string) (any, error) {
	switch command {
	case "CLASSIFY":
		var ev schema.AttackEvent
		if rest == "" {
			return nil, invalid("usage: CLASSIFY <json event>")
		}
		if err := decodeArg(rest, &ev); err != nil {
			return nil, err
		}
		return r.guard.Classify(ctx, ev), nil

	case "INTEL":
		return r.guard.Intelligence(), nil

	case "ADMIT":
		// ADMIT user source json
		args, raw, ok := fields(rest, 2)
		if !ok {
			return nil, invalid("usage: ADMIT <user> <source> <json data>")
		}
		var data any
		if err := decodeArg(raw, &data); err != nil {
			return nil, err
		}
		return r.guard.Admit(ctx, args[0], schema.EntrySource(args[1]), data)

	case "DEPOSIT":
		// DEPOSIT user source type item json; "-" lets the guard pick the item ID
		args, raw, ok := fields(rest, 4)
		if !ok || raw == "" {
			return nil, invalid("usage: DEPOSIT <user> <source> <type> <item|-> <json data>")
		}
		var data map[string]any
		if err := decodeArg(raw, &data); err != nil {
			return nil, err
		}
		itemID := args[3]
		if itemID == "-" {
			itemID = ""
		}
		return r.guard.Deposit(ctx, args[0], schema.EntrySource(args[1]), schema.DataType(args[2]), itemID, data)

	case "INITIATE":
		args, dataID, ok := fields(rest, 2)
		if !ok {
			return nil, invalid("usage: INITIATE <user> <type> [item]")
		}
		return r.guard.Initiate(ctx, args[0], schema.DataType(args[1]), dataID)

	case "VERIFY":
		args, raw, ok := fields(rest, 3)
		if !ok {
			return nil, invalid("usage: VERIFY <user> <exit> <step> [json evidence]")
		}
		data := map[string]string{}
		if err := decodeArg(raw, &data); err != nil {
			return nil, err
		}
		return r.guard.VerifyStep(ctx, args[0], args[1], schema.Step(args[2]), data)

	case "EXECUTE":
		args, _, ok := fields(rest, 2)
		if !ok {
			return nil, invalid("usage: EXECUTE <user> <exit>")
		}
		return r.guard.Execute(ctx, args[0], args[1])

	case "ATTEMPT":
		args, _, ok := fields(rest, 2)
		if !ok {
			return nil, invalid("usage: ATTEMPT <user> <exit>")
		}
		return r.guard.Attempt(ctx, args[0], args[1])

	case "VIOLATION":
		args, action, ok := fields(rest, 1)
		if !ok || action == "" {
			return nil, invalid("usage: VIOLATION <user> <action>")
		}
		return r.guard.DetectViolation(ctx, args[0], action), nil

	case "STATS":
		return r.guard.Statistics(ctx, rest), nil
	}
	return nil, invalid("unknown command %s", command)
}
