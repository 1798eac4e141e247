package sandbox_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox"
	"github.com/Ernesto385291/finance-analyzer/pkg/sandbox/sandboxtest"
)

func acquire(t *testing.T, p *sandboxtest.Provider, key string) (*sandbox.Manager, *sandbox.Handle, *sandboxtest.Sandbox) {
	t.Helper()
	m := newManager(t, p)
	h, err := m.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return m, h, p.Get(h.ID())
}

func TestRunCodeWithoutPackagesSkipsInstall(t *testing.T) {
	p := sandboxtest.New()
	_, h, sb := acquire(t, p, "conv-1")
	sb.Exec = func(input string) (*sandbox.Output, error) {
		return &sandbox.Output{Result: "42\n"}, nil
	}

	out, err := h.RunCode(context.Background(), "print(6*7)", nil)
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if out.Result != "42\n" || out.ExitCode != 0 {
		t.Errorf("output = %+v", out)
	}
	if cmds := sb.Commands(); len(cmds) != 0 {
		t.Errorf("commands = %q, want none", cmds)
	}
	if code := sb.Code(); len(code) != 1 || code[0] != "print(6*7)" {
		t.Errorf("code = %q", code)
	}
}

func TestRunCodeInstallsRequestedAndDefaultPackages(t *testing.T) {
	p := sandboxtest.New()
	_, h, sb := acquire(t, p, "conv-1")

	if _, err := h.RunCode(context.Background(), "import yfinance", []string{"yfinance", "pandas"}); err != nil {
		t.Fatalf("RunCode: %v", err)
	}

	cmds := sb.Commands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %q, want one install", cmds)
	}
	want := "pip install 'yfinance' 'pandas' 'numpy' 'matplotlib' 'seaborn' 'scikit-learn' 'scipy' 'statsmodels' 'openpyxl'"
	if cmds[0] != want {
		t.Errorf("install command =\n  %s\nwant\n  %s", cmds[0], want)
	}
}

func TestRunCodeInstallFailureStillRunsCode(t *testing.T) {
	p := sandboxtest.New()
	_, h, sb := acquire(t, p, "conv-1")
	sb.Exec = func(input string) (*sandbox.Output, error) {
		if strings.HasPrefix(input, "pip install") {
			return &sandbox.Output{Result: "ERROR: No matching distribution", ExitCode: 1}, nil
		}
		return &sandbox.Output{Result: "done"}, nil
	}

	out, err := h.RunCode(context.Background(), "print('done')", []string{"not-a-package"})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if out.Result != "done" {
		t.Errorf("result = %q, want done", out.Result)
	}
}

func TestRunCodeRejectsEmptyCode(t *testing.T) {
	_, h, _ := acquire(t, sandboxtest.New(), "conv-1")
	if _, err := h.RunCode(context.Background(), "  ", nil); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("RunCode(empty) = %v, want ErrInvalidArgument", err)
	}
}

func TestRunCommand(t *testing.T) {
	p := sandboxtest.New()
	_, h, sb := acquire(t, p, "conv-1")
	sb.Exec = func(input string) (*sandbox.Output, error) {
		return &sandbox.Output{Result: "data.csv\n", ExitCode: 0}, nil
	}

	out, err := h.RunCommand(context.Background(), "ls /home/daytona")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if out.Result != "data.csv\n" {
		t.Errorf("result = %q", out.Result)
	}
	if _, err := h.RunCommand(context.Background(), ""); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("RunCommand(empty) = %v, want ErrInvalidArgument", err)
	}
}

func TestUploadFilesResolvesDestinations(t *testing.T) {
	p := sandboxtest.New()
	_, h, sb := acquire(t, p, "conv-1")

	ack, err := h.UploadFiles(context.Background(), []sandbox.File{
		{Source: []byte("a,b\n1,2\n"), Destination: "statements/january.csv"},
		{Source: []byte("x"), Destination: "/tmp/x.txt"},
	})
	if err != nil {
		t.Fatalf("UploadFiles: %v", err)
	}
	if !ack.Success || ack.Files != 2 || ack.Message != "Successfully uploaded 2 files" {
		t.Errorf("ack = %+v", ack)
	}

	var dests []string
	for _, f := range sb.Files() {
		dests = append(dests, f.Destination)
	}
	want := []string{"/home/daytona/statements/january.csv", "/tmp/x.txt"}
	if !reflect.DeepEqual(dests, want) {
		t.Errorf("destinations = %q, want %q", dests, want)
	}
}

func TestUploadFilesRejectsBadInput(t *testing.T) {
	_, h, _ := acquire(t, sandboxtest.New(), "conv-1")
	ctx := context.Background()

	if _, err := h.UploadFiles(ctx, nil); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("UploadFiles(nil) = %v, want ErrInvalidArgument", err)
	}
	if _, err := h.UploadFiles(ctx, []sandbox.File{{Source: []byte("x")}}); !errors.Is(err, sandbox.ErrInvalidArgument) {
		t.Errorf("UploadFiles(no destination) = %v, want ErrInvalidArgument", err)
	}
}

func TestHandleOnReclaimedSandbox(t *testing.T) {
	p := sandboxtest.New()
	m, h, sb := acquire(t, p, "conv-1")
	p.Delete(sb.ID())

	_, err := h.RunCommand(context.Background(), "true")
	if !errors.Is(err, sandbox.ErrProviderUnavailable) {
		t.Fatalf("RunCommand on reclaimed sandbox = %v, want ErrProviderUnavailable", err)
	}

	next, err := m.Acquire(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if next.ID() == h.ID() {
		t.Error("re-acquire returned the reclaimed sandbox")
	}
}

func TestParsePackages(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "pandas", want: []string{"pandas"}},
		{in: "a, b,,c", want: []string{"a", "b", "c"}},
		{in: " yfinance , ta-lib ", want: []string{"yfinance", "ta-lib"}},
	}
	for _, tt := range tests {
		if got := sandbox.ParsePackages(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParsePackages(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMergePackagesDeduplicates(t *testing.T) {
	got := sandbox.MergePackages([]string{"numpy", " yfinance", "numpy"}, []string{"pandas", "numpy"})
	want := []string{"numpy", "yfinance", "pandas"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergePackages = %q, want %q", got, want)
	}
}

func TestResolveDestination(t *testing.T) {
	tests := []struct {
		dest    string
		want    string
		wantErr bool
	}{
		{dest: "data.csv", want: "/home/daytona/data.csv"},
		{dest: "reports/../data.csv", want: "/home/daytona/data.csv"},
		{dest: "/workspace/data.csv", want: "/workspace/data.csv"},
		{dest: "", wantErr: true},
		{dest: "reports/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := sandbox.ResolveDestination("/home/daytona", tt.dest)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ResolveDestination(%q) = %q, want error", tt.dest, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ResolveDestination(%q) = %q, %v, want %q", tt.dest, got, err, tt.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := sandbox.ShellQuote("pandas>=2.0"); got != "'pandas>=2.0'" {
		t.Errorf("ShellQuote = %s", got)
	}
	if got := sandbox.ShellQuote("it's"); got != `'it'"'"'s'` {
		t.Errorf("ShellQuote = %s", got)
	}
}
