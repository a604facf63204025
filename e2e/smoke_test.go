//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const repoRootRel = ".."   // relative to ./e2e
const mainPkgRel = "./cmd" // main.go lives in cmd/

// TestSmoke_OneShot runs the built binary in one-shot mode against a real
// mosquitto broker and a stubbed FMI endpoint, and verifies that all four
// data topics plus the retained status topic receive payloads.
func TestSmoke_OneShot(t *testing.T) {
	repoRoot := repoRootPath(t)
	bin := buildBinary(t, repoRoot)

	brokerHost, brokerPort := startMosquitto(t)
	fmiStub := startFMIStub(t)

	received := subscribeAll(t, brokerHost, brokerPort)

	cmd := exec.Command(bin, "-once", "-place", "Helsinki")
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=debug",
		"MQTT_BROKER="+brokerHost,
		"MQTT_PORT="+brokerPort,
		"FMI_BASE_URL="+fmiStub.URL,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("one-shot run failed: %v", err)
	}

	wantTopics := []string{
		"WeatherMeasurement/status",
		"Measurement/Temperature",
		"Measurement/Irradiance",
		"Measurement/Forecast/Temperature",
		"Measurement/Forecast/Irradiance",
	}
	payloads := waitForTopics(t, received, wantTopics, 10*time.Second)

	if got := string(payloads["WeatherMeasurement/status"]); got != "online" {
		t.Errorf("status payload = %q; want online", got)
	}

	var meas map[string]any
	if err := json.Unmarshal(payloads["Measurement/Temperature"], &meas); err != nil {
		t.Fatalf("temperature payload is not JSON: %v", err)
	}
	if meas["Topic"] != "Measurement/Temperature" {
		t.Errorf("Topic field = %v; want the publish topic", meas["Topic"])
	}
	if meas["Location"] != "Helsinki" {
		t.Errorf("Location = %v; want Helsinki", meas["Location"])
	}
	if _, ok := meas["Temperature"]; !ok {
		t.Errorf("temperature payload missing Temperature block: %v", meas)
	}

	var fc map[string]any
	if err := json.Unmarshal(payloads["Measurement/Forecast/Irradiance"], &fc); err != nil {
		t.Fatalf("forecast payload is not JSON: %v", err)
	}
	block, ok := fc["Forecast"].(map[string]any)
	if !ok {
		t.Fatalf("forecast payload missing Forecast block: %v", fc)
	}
	index, ok := block["TimeIndex"].([]any)
	if !ok || len(index) != 36 {
		t.Errorf("TimeIndex len = %d; want the default 36-hour horizon", len(index))
	}
}

// TestSmoke_OneShot_providerDown verifies the exit code reflects provider
// failures while the forecast fetch is still attempted.
func TestSmoke_OneShot_providerDown(t *testing.T) {
	repoRoot := repoRootPath(t)
	bin := buildBinary(t, repoRoot)

	brokerHost, brokerPort := startMosquitto(t)

	var mu sync.Mutex
	queries := map[string]int{}
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries[r.URL.Query().Get("storedquery_id")]++
		mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	t.Cleanup(stub.Close)

	cmd := exec.Command(bin, "-once", "-place", "Helsinki")
	cmd.Env = append(os.Environ(),
		"APP_ENV=dev",
		"MQTT_BROKER="+brokerHost,
		"MQTT_PORT="+brokerPort,
		"FMI_BASE_URL="+stub.URL,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		t.Fatal("one-shot run succeeded; want non-zero exit on fetch failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if queries["fmi::forecast::harmonie::surface::point::timevaluepair"] == 0 {
		t.Error("forecast stored query never attempted; failure domains must be independent")
	}
}

func startMosquitto(t *testing.T) (host, port string) {
	t.Helper()

	confDir := t.TempDir()
	conf := filepath.Join(confDir, "mosquitto.conf")
	if err := os.WriteFile(conf, []byte("listener 1883\nallow_anonymous true\n"), 0o644); err != nil {
		t.Fatalf("write mosquitto.conf: %v", err)
	}

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Binds = append(hc.Binds, conf+":/mosquitto/config/mosquitto.conf:ro")
		},
		WaitingFor: wait.ForListeningPort("1883/tcp").WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	h, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	p, err := c.MappedPort(ctx, nat.Port("1883/tcp"))
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return h, p.Port()
}

func startFMIStub(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC().Truncate(time.Minute)
		switch r.URL.Query().Get("storedquery_id") {
		case "fmi::observations::weather::timevaluepair":
			w.Write([]byte(wfsDoc("t2m", now.Add(-10*time.Minute), "5.5")))
		case "fmi::observations::radiation::timevaluepair":
			w.Write([]byte(wfsDoc("GLOB_1MIN", now.Add(-2*time.Minute), "412.0")))
		case "fmi::forecast::harmonie::surface::point::timevaluepair":
			start := now.Truncate(time.Hour).Add(time.Hour)
			var pairs strings.Builder
			for h := 0; h < 36; h++ {
				pairs.WriteString(tvp(start.Add(time.Duration(h)*time.Hour), "2.5"))
			}
			w.Write([]byte(wfsDocRaw("temperature", pairs.String())))
		default:
			http.Error(w, "unknown stored query", http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wfsDoc(param string, ts time.Time, value string) string {
	return wfsDocRaw(param, tvp(ts, value))
}

func wfsDocRaw(param, pairs string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0"
    xmlns:om="http://www.opengis.net/om/2.0"
    xmlns:wml2="http://www.opengis.net/waterml/2.0"
    xmlns:xlink="http://www.w3.org/1999/xlink">
  <wfs:member>
    <om:observedProperty xlink:href="https://opendata.fmi.fi/meta?param=` + param + `"/>
    <om:result>` + pairs + `</om:result>
  </wfs:member>
</wfs:FeatureCollection>`
}

func tvp(ts time.Time, value string) string {
	return `<wml2:MeasurementTVP><wml2:time>` + ts.Format(time.RFC3339) +
		`</wml2:time><wml2:value>` + value + `</wml2:value></wml2:MeasurementTVP>`
}

type message struct {
	topic   string
	payload []byte
}

func subscribeAll(t *testing.T, host, port string) <-chan message {
	t.Helper()

	received := make(chan message, 64)
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + host + ":" + port).
		SetClientID("e2e-subscriber")
	client := mqtt.NewClient(opts)

	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("subscriber connect: %v", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(250) })

	token := client.Subscribe("#", 1, func(_ mqtt.Client, msg mqtt.Message) {
		received <- message{topic: msg.Topic(), payload: msg.Payload()}
	})
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe: %v", token.Error())
	}
	return received
}

func waitForTopics(t *testing.T, received <-chan message, topics []string, timeout time.Duration) map[string][]byte {
	t.Helper()

	want := make(map[string]bool, len(topics))
	for _, topic := range topics {
		want[topic] = true
	}
	payloads := make(map[string][]byte, len(topics))

	deadline := time.After(timeout)
	for len(payloads) < len(topics) {
		select {
		case msg := <-received:
			if want[msg.topic] {
				payloads[msg.topic] = msg.payload
			}
		case <-deadline:
			t.Fatalf("timed out; got topics %v, want %v", collected(payloads), topics)
		}
	}
	return payloads
}

func collected(payloads map[string][]byte) []string {
	topics := make([]string, 0, len(payloads))
	for topic := range payloads {
		topics = append(topics, topic)
	}
	return topics
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}
	return repo
}

func buildBinary(t *testing.T, repoRoot string) string {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "weatherpub")
	cmd := exec.Command("go", "build", "-o", bin, mainPkgRel)
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build: %v\n%s", err, out)
	}
	return bin
}
