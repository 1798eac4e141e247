package sandbox

import (
	"context"
	"time"

	"github.com/Ernesto385291/finance-analyzer/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrument wraps a provider so that every call it makes, and every call
// made on the sandboxes it returns, is traced and counted.
func Instrument(p Provider, tracer trace.Tracer) Provider {
	if ip, ok := p.(*instrumentedProvider); ok {
		return ip
	}
	return &instrumentedProvider{next: p, tracer: tracer}
}

type instrumentedProvider struct {
	next   Provider
	tracer trace.Tracer
}

func (p *instrumentedProvider) Name() string { return p.next.Name() }

func (p *instrumentedProvider) Find(ctx context.Context, labels map[string]string) Lookup {
	ctx, span := p.tracer.Start(ctx, "sandbox.find",
		trace.WithAttributes(attribute.String("sandbox.provider", p.next.Name())))
	defer span.End()

	start := time.Now()
	l := p.next.Find(ctx, labels)
	p.observe("find", start, l.Err, l.Status == LookupNotFound)

	span.SetAttributes(attribute.String("sandbox.lookup", l.Status.String()))
	if l.Status == LookupFailed {
		span.RecordError(l.Err)
		span.SetStatus(codes.Error, "lookup failed")
	}
	if l.Status == LookupFound {
		l.Sandbox = p.wrap(l.Sandbox)
	}
	return l
}

func (p *instrumentedProvider) Create(ctx context.Context, req CreateRequest) (Sandbox, error) {
	ctx, span := p.tracer.Start(ctx, "sandbox.create",
		trace.WithAttributes(
			attribute.String("sandbox.provider", p.next.Name()),
			attribute.String("sandbox.language", req.Language),
		))
	defer span.End()

	start := time.Now()
	sb, err := p.next.Create(ctx, req)
	p.observe("create", start, err, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("sandbox.id", sb.ID()))
	return p.wrap(sb), nil
}

func (p *instrumentedProvider) wrap(sb Sandbox) Sandbox {
	if sb == nil {
		return nil
	}
	if is, ok := sb.(*instrumentedSandbox); ok {
		return is
	}
	return &instrumentedSandbox{next: sb, p: p}
}

func (p *instrumentedProvider) observe(op string, start time.Time, err error, notFound bool) {
	result := "ok"
	switch {
	case notFound || IsNotFound(err):
		result = "not_found"
	case IsTransient(err):
		result = "unavailable"
	case err != nil:
		result = "error"
	}
	observability.SandboxProviderCallsTotal.WithLabelValues(p.next.Name(), op, result).Inc()
	observability.SandboxProviderLatency.WithLabelValues(p.next.Name(), op).Observe(time.Since(start).Seconds())
}

type instrumentedSandbox struct {
	next Sandbox
	p    *instrumentedProvider
}

func (s *instrumentedSandbox) ID() string { return s.next.ID() }

func (s *instrumentedSandbox) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.p.tracer.Start(ctx, "sandbox."+op,
		trace.WithAttributes(
			attribute.String("sandbox.provider", s.p.next.Name()),
			attribute.String("sandbox.id", s.next.ID()),
		))
}

func (s *instrumentedSandbox) end(span trace.Span, op string, start time.Time, err error) {
	s.p.observe(op, start, err, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *instrumentedSandbox) State(ctx context.Context) (State, error) {
	ctx, span := s.span(ctx, "state")
	start := time.Now()
	st, err := s.next.State(ctx)
	span.SetAttributes(attribute.String("sandbox.state", string(st)))
	s.end(span, "state", start, err)
	return st, err
}

func (s *instrumentedSandbox) Start(ctx context.Context) error {
	ctx, span := s.span(ctx, "start")
	start := time.Now()
	err := s.next.Start(ctx)
	s.end(span, "start", start, err)
	return err
}

func (s *instrumentedSandbox) ExecuteCommand(ctx context.Context, command string) (*Output, error) {
	ctx, span := s.span(ctx, "execute_command")
	start := time.Now()
	out, err := s.next.ExecuteCommand(ctx, command)
	if out != nil {
		span.SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
	}
	s.end(span, "execute_command", start, err)
	return out, err
}

func (s *instrumentedSandbox) CodeRun(ctx context.Context, code string) (*Output, error) {
	ctx, span := s.span(ctx, "code_run")
	start := time.Now()
	out, err := s.next.CodeRun(ctx, code)
	if out != nil {
		span.SetAttributes(attribute.Int("sandbox.exit_code", out.ExitCode))
	}
	s.end(span, "code_run", start, err)
	return out, err
}

func (s *instrumentedSandbox) UploadFiles(ctx context.Context, files []File) error {
	ctx, span := s.span(ctx, "upload_files")
	span.SetAttributes(attribute.Int("sandbox.files", len(files)))
	start := time.Now()
	err := s.next.UploadFiles(ctx, files)
	s.end(span, "upload_files", start, err)
	return err
}
