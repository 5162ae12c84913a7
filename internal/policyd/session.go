package policyd

import (
	"bufio"
	"context"
	"net"

	"go.uber.org/zap"
)

// Session is one accepted connection: parse a request, validate addresses,
// run the plugin chain, and always write exactly one response line
// (spec.md §4.3).
type Session struct {
	Conn      net.Conn
	Config    *Config
	Chain     []Plugin
	Validator Validator
	Log       *zap.Logger
	Stats     *Statskeeper
	// OnVerdict, if set, is called with the final verdict once it's
	// written to the wire. Used by process-backend workers to report a
	// precise StatDelta back to the parent, since they have no shared
	// Statskeeper to record into directly.
	OnVerdict func(Verdict)
}

// NewSession builds a session bound to an accepted connection. Validator
// defaults to the process-wide ActiveValidator() if nil, so callers that
// don't care about injecting one get the configured behavior for free.
func NewSession(conn net.Conn, cfg *Config, chain []Plugin, log *zap.Logger) *Session {
	return &Session{
		Conn:      conn,
		Config:    cfg,
		Chain:     chain,
		Validator: ActiveValidator(),
		Log:       log,
	}
}

// Handle runs the full session lifecycle end-to-end: read, validate, run
// chain, respond, close. It never returns an error — every exit path
// (protocol error, compliance failure, plugin panic, internal error) emits
// a response before the connection is closed, per spec.md §4.3.
func (s *Session) Handle(ctx context.Context) {
	defer s.Conn.Close()

	verdict := Verdict{Action: Dunno}
	defer func() {
		s.Conn.Write([]byte(FormatResponse(verdict)))
		if tcp, ok := s.Conn.(interface{ CloseWrite() error }); ok {
			_ = tcp.CloseWrite()
		}
		if s.Stats != nil {
			s.Stats.RecordVerdict(verdict)
		}
		if s.OnVerdict != nil {
			s.OnVerdict(verdict)
		}
	}()

	values, err := ParseRequest(bufio.NewReader(s.Conn))
	if err != nil {
		s.Log.Error("malformed request, aborting read", zap.Error(err))
		verdict = Verdict{Action: Dunno}
		return
	}

	suspect := NewSuspect(values)
	if port, ok := localPort(s.Conn); ok {
		suspect.Tags.IncomingPort = port
	}

	if v, compliant := s.checkCompliance(suspect); !compliant {
		verdict = v
		return
	}

	verdict = RunChain(ctx, s.Log, suspect, s.Chain)
}

// checkCompliance validates sender/recipient addresses if present. On
// failure it returns the configured fail verdict and false; the chain must
// not run. On success it returns (zero Verdict, true).
func (s *Session) checkCompliance(suspect *Suspect) (Verdict, bool) {
	validator := s.Validator
	if validator == nil {
		validator = ActiveValidator()
	}

	for _, key := range []string{"sender", "recipient"} {
		raw, ok := suspect.GetValue(key)
		if !ok || raw == "" {
			continue
		}
		addr := StripAddress(raw)
		if !validator.Valid(addr) {
			action := s.Config.AddressComplianceFailAction()
			message := s.Config.AddressComplianceFailMessage()
			s.Log.Warn("address compliance check failed", zap.String("key", key), zap.String("address", addr))
			return Verdict{Action: action, Argument: message}, false
		}
	}
	return Verdict{}, true
}

func localPort(conn net.Conn) (int, bool) {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0, false
	}
	return addr.Port, true
}
