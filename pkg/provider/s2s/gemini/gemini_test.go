package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/questvoice/pkg/provider/s2s"
	"github.com/MrWong99/questvoice/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	writeRaw(t, conn, data)
}

func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("write: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// connect opens a session against srv with a test key.
func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	if cfg.Credentials.APIKey == "" {
		cfg.Credentials.APIKey = "test-api-key"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handle, err := gemini.New(gemini.WithBaseURL(wsURL(srv))).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { handle.Close() })
	return handle
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, events <-chan s2s.Event) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Provider ───────────────────────────────────────────────────────────────────

func TestCapabilities_NonEmpty(t *testing.T) {
	t.Parallel()
	caps := gemini.New().Capabilities()
	if caps.ContextWindow == 0 {
		t.Error("ContextWindow should be non-zero")
	}
	if !caps.SupportsResumption {
		t.Error("Gemini Live supports session resumption")
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				SpeechConfig struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			SessionResumption *struct {
				Handle string `json:"handle"`
			} `json:"sessionResumption"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{
		Instructions:     "You are a tavern keeper.",
		Accent:           "thick Scottish brogue",
		QuestObjective:   "find the lost amulet",
		Voice:            "Kore",
		ResumptionHandle: "handle-123",
		Tools: []s2s.ToolDefinition{
			{Name: "changeEnvironment", Description: "change scene"},
		},
	})

	msg := <-received
	if !strings.HasPrefix(msg.Setup.Model, "models/") {
		t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
	}
	if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) != 1 {
		t.Fatalf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
	}
	instr := msg.Setup.SystemInstruction.Parts[0].Text
	for _, want := range []string{"tavern keeper", "Scottish brogue", "lost amulet"} {
		if !strings.Contains(instr, want) {
			t.Errorf("instruction %q missing %q", instr, want)
		}
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voice = %q; want Kore", got)
	}
	if len(msg.Setup.Tools) != 1 || msg.Setup.Tools[0].FunctionDeclarations[0].Name != "changeEnvironment" {
		t.Errorf("unexpected tools: %+v", msg.Setup.Tools)
	}
	if msg.Setup.SessionResumption == nil || msg.Setup.SessionResumption.Handle != "handle-123" {
		t.Errorf("resumption handle not sent: %+v", msg.Setup.SessionResumption)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("audio transcription should be enabled in both directions")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	queryCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		queryCh <- r.URL.RawQuery
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{Credentials: s2s.Credentials{APIKey: "secret-key"}})

	if q := <-queryCh; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// Never acknowledge.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := gemini.New(gemini.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{})
	if err == nil {
		t.Fatal("Connect should fail when setupComplete never arrives")
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 401, "message": "API key not valid"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := gemini.New(gemini.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Fatalf("expected setup rejection, got %v", err)
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type audioMsg struct {
		RealtimeInput struct {
			Audio struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"audio"`
		} `json:"realtimeInput"`
	}

	received := make(chan audioMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg audioMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if msg.RealtimeInput.Audio.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", msg.RealtimeInput.Audio.MIMEType)
		}
		got, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendText_SendsClientContent(t *testing.T) {
	t.Parallel()

	type contentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}

	received := make(chan contentMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg contentMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.SendText("Where is the blacksmith?"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	msg := <-received
	if !msg.ClientContent.TurnComplete {
		t.Error("turnComplete should be true")
	}
	if len(msg.ClientContent.Turns) != 1 || msg.ClientContent.Turns[0].Role != "user" ||
		msg.ClientContent.Turns[0].Parts[0].Text != "Where is the blacksmith?" {
		t.Errorf("unexpected turns: %+v", msg.ClientContent.Turns)
	}
}

func TestSendToolResult_SendsFunctionResponse(t *testing.T) {
	t.Parallel()

	type respMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	received := make(chan respMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg respMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	err := handle.SendToolResult(s2s.ToolResult{
		ID:     "call-1",
		Name:   "changeEnvironment",
		Output: map[string]any{"result": "ok"},
	})
	if err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	msg := <-received
	if len(msg.ToolResponse.FunctionResponses) != 1 {
		t.Fatalf("expected 1 function response, got %d", len(msg.ToolResponse.FunctionResponses))
	}
	fr := msg.ToolResponse.FunctionResponses[0]
	if fr.ID != "call-1" || fr.Name != "changeEnvironment" || fr.Response["result"] != "ok" {
		t.Errorf("unexpected function response: %+v", fr)
	}
}

func TestClose_IdempotentAndRejectsSends(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := handle.SendAudio([]byte{0, 0}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: got %v, want ErrSessionClosed", err)
	}
	if err := handle.SendText("hi"); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendText after Close: got %v, want ErrSessionClosed", err)
	}

	// Local close ends the stream without a terminal event.
	select {
	case ev, ok := <-handle.Events():
		if ok {
			t.Errorf("unexpected event after Close: %v", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel not closed after Close")
	}
}

// ── Inbound ────────────────────────────────────────────────────────────────────

func TestEvents_NormalizesServerMessages(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "Hello there"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []any{
						map[string]any{"inlineData": map[string]any{
							"mimeType": "audio/pcm;rate=24000",
							"data":     base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0}),
						}},
					},
				},
				"outputTranscription": map[string]any{"text": "Well met"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []any{map[string]any{
					"id":   "fc-1",
					"name": "displayArtifact",
					"args": map[string]any{"name": "Sword", "description": "sharp"},
				}},
			},
		})
		writeJSON(t, conn, map[string]any{
			"sessionResumptionUpdate": map[string]any{"newHandle": "h-2", "resumable": true},
		})
		writeJSON(t, conn, map[string]any{
			"sessionResumptionUpdate": map[string]any{"newHandle": "", "resumable": false},
		})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "50s"}})
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "hiccup"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	events := connect(t, srv, s2s.SessionConfig{}).Events()

	ev := nextEvent(t, events)
	if ev.Kind != s2s.EventTranscriptDelta || ev.Role != s2s.RoleUser || ev.Text != "Hello there" {
		t.Errorf("event 1 = %+v; want user transcript", ev)
	}
	ev = nextEvent(t, events)
	if ev.Kind != s2s.EventAudioDelta || ev.SampleRate != 24000 || ev.Audio == "" {
		t.Errorf("event 2 = %+v; want 24 kHz audio delta", ev)
	}
	ev = nextEvent(t, events)
	if ev.Kind != s2s.EventTranscriptDelta || ev.Role != s2s.RoleModel || ev.Text != "Well met" {
		t.Errorf("event 3 = %+v; want model transcript", ev)
	}
	if ev = nextEvent(t, events); ev.Kind != s2s.EventTurnComplete {
		t.Errorf("event 4 = %v; want turn-complete", ev.Kind)
	}
	if ev = nextEvent(t, events); ev.Kind != s2s.EventInterrupted {
		t.Errorf("event 5 = %v; want interrupted", ev.Kind)
	}
	ev = nextEvent(t, events)
	if ev.Kind != s2s.EventToolCall || !ev.ToolCall.Final || ev.ToolCall.ID != "fc-1" || ev.ToolCall.Name != "displayArtifact" {
		t.Errorf("event 6 = %+v; want final tool call", ev)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(ev.ToolCall.Arguments), &args); err != nil || args["name"] != "Sword" {
		t.Errorf("tool args %q: %v", ev.ToolCall.Arguments, err)
	}
	ev = nextEvent(t, events)
	if ev.Kind != s2s.EventResumptionUpdate || ev.Handle != "h-2" {
		t.Errorf("event 7 = %+v; want resumption update h-2", ev)
	}
	// The non-resumable update is not surfaced.
	ev = nextEvent(t, events)
	if ev.Kind != s2s.EventExpiryWarning || ev.TimeLeft != "50s" {
		t.Errorf("event 8 = %+v; want expiry warning 50s", ev)
	}
	ev = nextEvent(t, events)
	if ev.Kind != s2s.EventError || ev.Fatal || ev.Err == nil {
		t.Errorf("event 9 = %+v; want non-fatal error", ev)
	}
}

func TestEvents_DropsIsolatedMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range s2s.MaxConsecutiveMalformed - 1 {
			writeRaw(t, conn, []byte("{not json"))
		}
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		for range s2s.MaxConsecutiveMalformed - 1 {
			writeRaw(t, conn, []byte("{not json"))
		}
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	events := connect(t, srv, s2s.SessionConfig{}).Events()
	for i := range 2 {
		if ev := nextEvent(t, events); ev.Kind != s2s.EventTurnComplete {
			t.Fatalf("event %d = %v; want turn-complete", i, ev.Kind)
		}
	}
}

func TestEvents_EscalatesRepeatedMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range s2s.MaxConsecutiveMalformed {
			writeRaw(t, conn, []byte("garbage"))
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	ev := nextEvent(t, handle.Events())
	if ev.Kind != s2s.EventError || !ev.Fatal {
		t.Fatalf("event = %+v; want fatal error", ev)
	}
	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Error("expected channel to close after fatal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel not closed")
	}
	if err := handle.SendAudio([]byte{0, 0}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after fatal error: got %v, want ErrSessionClosed", err)
	}
}

func TestEvents_RemoteCloseEmitsClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusGoingAway, "session expired")
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	ev := nextEvent(t, handle.Events())
	if ev.Kind != s2s.EventClosed {
		t.Fatalf("event = %+v; want closed", ev)
	}
	if ev.Reason != "session expired" {
		t.Errorf("reason = %q; want %q", ev.Reason, "session expired")
	}
}
