package client

import (
	"fmt"
	"strings"
	"testing"

	"github.com/wavetermdev/waveterm-sub008/internal/base"
	"github.com/wavetermdev/waveterm-sub008/internal/packet"
)

func makeTestExecContext(t *testing.T) *base.ExecContext {
	t.Helper()
	t.Setenv(base.HomeVarName, t.TempDir())
	ectx, err := base.MakeExecContext()
	if err != nil {
		t.Fatalf("cannot make exec context: %v", err)
	}
	return ectx
}

func TestBootstrapScript_Shape(t *testing.T) {
	script := BootstrapScript()
	if !strings.Contains(script, "mshell --single") {
		t.Fatalf("bootstrap does not exec the helper: %q", script)
	}
	if !strings.Contains(script, `"notfound":true`) || !strings.Contains(script, "uname") {
		t.Fatalf("bootstrap missing notfound fallback: %q", script)
	}
}

func fakeHelperArgv(t *testing.T, initPk *packet.InitPacket) []string {
	t.Helper()
	barr, err := packet.MarshalPacket(initPk)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	script := fmt.Sprintf("echo '%s'; cat >/dev/null", strings.TrimSuffix(string(barr), "\n"))
	return []string{"bash", "-c", script}
}

func TestMakeClientProc_Handshake(t *testing.T) {
	ectx := makeTestExecContext(t)
	initPk := packet.MakeInitPacket()
	initPk.UName = "linux|amd64"
	cp, err := MakeClientProc(ectx, fakeHelperArgv(t, initPk))
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer cp.Close()
	if cp.InitPk.UName != "linux|amd64" {
		t.Fatalf("init packet lost: %#v", cp.InitPk)
	}
}

func TestMakeClientProc_NotFoundRawLine(t *testing.T) {
	ectx := makeTestExecContext(t)
	// simulate the bootstrap fallback: an unframed json line
	script := `printf '{"type":"init","notfound":true,"uname":"Linux|x86_64"}\n'; cat >/dev/null`
	_, err := MakeClientProc(ectx, []string{"bash", "-c", script})
	if base.GetErrorCode(err) != base.ECNotFound {
		t.Fatalf("expected %s, got %v", base.ECNotFound, err)
	}
}

func TestMakeClientProc_StreamEndsBeforeInit(t *testing.T) {
	ectx := makeTestExecContext(t)
	if _, err := MakeClientProc(ectx, []string{"true"}); err == nil {
		t.Fatalf("expected error when helper exits silently")
	}
}
