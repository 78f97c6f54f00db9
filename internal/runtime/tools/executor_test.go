package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/user/gopherchef/internal/action"
	"github.com/user/gopherchef/internal/sandbox"
)

func newTestExecutor(t *testing.T) (*Executor, *sandbox.Local) {
	t.Helper()
	sb, err := sandbox.NewLocal(t.TempDir(), "sh", nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Executor{Sandbox: sb}, sb
}

func TestExecuteFileWrite(t *testing.T) {
	e, sb := newTestExecutor(t)
	var written []string
	e.OnWrite = func(path, content string) { written = append(written, path+"="+content) }

	out, err := e.Execute(context.Background(), action.File{Path: "src/a.txt", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "src/a.txt") {
		t.Errorf("unexpected output %q", out)
	}
	data, _ := sb.ReadFile(context.Background(), "src/a.txt")
	if string(data) != "hello" {
		t.Errorf("file content = %q", data)
	}
	if len(written) != 1 || written[0] != "src/a.txt=hello" {
		t.Errorf("OnWrite calls = %v", written)
	}
}

func TestExecuteShell(t *testing.T) {
	e, _ := newTestExecutor(t)

	out, err := e.Execute(context.Background(), action.Shell{Command: "echo hello"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("expected 'hello', got %q", out)
	}
}

func TestExecuteShellExitCode(t *testing.T) {
	e, _ := newTestExecutor(t)

	out, err := e.Execute(context.Background(), action.Shell{Command: "echo broken; exit 2"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 2 {
		t.Errorf("expected code 2, got %d", exitErr.Code)
	}
	if !strings.Contains(out, "broken") {
		t.Errorf("output should be returned on failure, got %q", out)
	}
}

func TestExecuteDeployUsesConfiguredCommand(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.DeployCommand = "echo deployed"

	out, err := e.Execute(context.Background(), action.Deploy{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "deployed" {
		t.Errorf("got %q", out)
	}
}

func TestExecuteEdit(t *testing.T) {
	e, sb := newTestExecutor(t)
	ctx := context.Background()
	_ = sb.WriteFile(ctx, "app.js", []byte("const a = 1;\nconst b = 2;\n"))

	if _, err := e.Execute(ctx, action.Edit{Path: "app.js", Old: "const b = 2;", New: "const b = 3;"}); err != nil {
		t.Fatal(err)
	}
	data, _ := sb.ReadFile(ctx, "app.js")
	if string(data) != "const a = 1;\nconst b = 3;\n" {
		t.Errorf("unexpected content %q", data)
	}

	if _, err := e.Execute(ctx, action.Edit{Path: "app.js", Old: "missing", New: "x"}); err == nil {
		t.Error("expected error for missing text")
	}
	if _, err := e.Execute(ctx, action.Edit{Path: "app.js", Old: "const", New: "let"}); err == nil {
		t.Error("expected error for ambiguous match")
	}
}

func TestExecuteView(t *testing.T) {
	e, sb := newTestExecutor(t)
	ctx := context.Background()
	_ = sb.WriteFile(ctx, "f.txt", []byte("one\ntwo\nthree\nfour\n"))

	out, err := e.Execute(ctx, action.View{Path: "f.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, "\n") != 4 || !strings.Contains(out, "4\tfour") {
		t.Errorf("unexpected full view %q", out)
	}

	out, err = e.Execute(ctx, action.View{Path: "f.txt", Start: 2, End: 3})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "one") || strings.Contains(out, "four") || !strings.Contains(out, "2\ttwo") {
		t.Errorf("unexpected ranged view %q", out)
	}

	out, err = e.Execute(ctx, action.View{Path: "f.txt", Start: 3, End: -1})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "3\tthree") || !strings.Contains(out, "4\tfour") {
		t.Errorf("unexpected open-ended view %q", out)
	}

	if _, err := e.Execute(ctx, action.View{Path: "f.txt", Start: 9, End: -1}); err == nil {
		t.Error("expected error for start beyond end")
	}
}

func TestExecuteWithoutSandbox(t *testing.T) {
	e := &Executor{}
	if _, err := e.Execute(context.Background(), action.Shell{Command: "true"}); err == nil {
		t.Error("expected error without sandbox")
	}
}
