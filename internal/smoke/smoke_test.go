package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/basket/hookrelay/internal/ingest"
	"github.com/basket/hookrelay/internal/security"
)

const smokeSigningSecret = "whsec_smoke"

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildBinary(t *testing.T, pkg string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build binaries")
	}
	outPath := filepath.Join(t.TempDir(), filepath.Base(pkg))
	cmd := exec.Command("go", "build", "-o", outPath, pkg)
	cmd.Dir = moduleRoot(t)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// lines streams a process's output line by line.
func lines(t *testing.T, r io.Reader) <-chan string {
	t.Helper()
	ch := make(chan string, 256)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// waitFor returns the first line matching pred or fails after timeout.
func waitFor(t *testing.T, ch <-chan string, timeout time.Duration, what string, pred func(string) bool) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				t.Fatalf("output closed before %s", what)
			}
			if pred(line) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

type relayProc struct {
	bin  string
	home string
	addr string
	out  <-chan string
}

func startRelay(t *testing.T) *relayProc {
	t.Helper()
	bin := buildBinary(t, "./cmd/hookrelay")
	home := t.TempDir()
	addr := pickFreeAddr(t)
	cfg := strings.Join([]string{
		`bind_addr: "` + addr + `"`,
		`signing_secret: "` + smokeSigningSecret + `"`,
		`admin_token: "adm_smoke"`,
		`auth:`,
		`  bcrypt_cost: 4`,
	}, "\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &relayProc{bin: bin, home: home, addr: addr}
}

func (r *relayProc) command(args ...string) *exec.Cmd {
	cmd := exec.Command(r.bin, args...)
	cmd.Env = append(os.Environ(), "HOOKRELAY_HOME="+r.home)
	return cmd
}

func (r *relayProc) serve(t *testing.T) {
	t.Helper()
	cmd := r.command("serve")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			_ = cmd.Process.Kill()
		}
	})
	r.out = lines(t, stdout)
}

func TestSmoke_BuildsBinaries(t *testing.T) {
	for _, pkg := range []string{"./cmd/hookrelay", "./cmd/hookrelay-agent"} {
		bin := buildBinary(t, pkg)
		fi, err := os.Stat(bin)
		if err != nil {
			t.Fatalf("stat %s: %v", bin, err)
		}
		if fi.Size() <= 0 {
			t.Fatalf("%s has unexpected size %d", pkg, fi.Size())
		}
	}
}

func TestSmoke_StartupPhasesInOrder(t *testing.T) {
	relay := startRelay(t)
	relay.serve(t)

	var phases []string
	waitFor(t, relay.out, 20*time.Second, "relay listening", func(line string) bool {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil {
			return false
		}
		if entry["msg"] == "startup phase" {
			phases = append(phases, entry["phase"].(string))
		}
		return entry["msg"] == "relay listening"
	})
	want := []string{"config_loaded", "store_opened"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Fatalf("phases = %v, want %v", phases, want)
	}

	resp, err := http.Get("http://" + relay.addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestSmoke_WebhookReachesAgent(t *testing.T) {
	relay := startRelay(t)
	agentBin := buildBinary(t, "./cmd/hookrelay-agent")

	out, err := relay.command("agent", "add", "-id", "agt_smoke", "-workspace", "ws_smoke").Output()
	if err != nil {
		t.Fatalf("agent add: %v", err)
	}
	var added struct {
		RelayID string `json:"relay_id"`
		Secret  string `json:"secret"`
	}
	if err := json.Unmarshal(out, &added); err != nil {
		t.Fatalf("decode agent add output %q: %v", out, err)
	}

	relay.serve(t)
	waitFor(t, relay.out, 20*time.Second, "relay listening", func(line string) bool {
		return strings.Contains(line, `"relay listening"`)
	})

	agent := exec.Command(agentBin, "-url", "ws://"+relay.addr+"/ws", "-relay-id", added.RelayID, "-api-key", added.Secret)
	agentOut, err := agent.StdoutPipe()
	if err != nil {
		t.Fatalf("agent stdout: %v", err)
	}
	if err := agent.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() {
		_ = agent.Process.Kill()
		_ = agent.Wait()
	})
	agentLines := lines(t, agentOut)
	waitFor(t, agentLines, 10*time.Second, "agent connected", func(line string) bool {
		return strings.Contains(line, "[connected]")
	})

	body := []byte(`{"event":"order.created","workspace_id":"ws_smoke","data":{"total":42}}`)
	ts := time.Now().UnixMilli()
	sig, err := security.SignAt(body, ts, []byte(smokeSigningSecret))
	if err != nil {
		t.Fatalf("SignAt: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://"+relay.addr+"/webhook/"+added.RelayID, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ingest.HeaderSignature, sig)
	req.Header.Set(ingest.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(ingest.HeaderEventID, "evt_smoke_1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d, want 200", resp.StatusCode)
	}

	waitFor(t, agentLines, 10*time.Second, "delivered event", func(line string) bool {
		return strings.Contains(line, "order.created") && strings.Contains(line, "id=evt_smoke_1")
	})
}
