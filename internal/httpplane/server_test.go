package httpplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lansend/internal/consent"
	"lansend/internal/identity"
	"lansend/internal/peer"
	"lansend/internal/session"
	"lansend/internal/wire"
)

type fixedDecision struct{ decision consent.Decision }

func (f fixedDecision) RequestConsent(context.Context, wire.TransferOffer, string) (consent.Decision, error) {
	return f.decision, nil
}

func newTestServer(t *testing.T, decision consent.Decision) (*httptest.Server, string) {
	t.Helper()
	idStore := identity.New("tester", "", wire.DeviceTypeDesktop)
	registry := peer.New(idStore.Fingerprint(), time.Minute)
	t.Cleanup(registry.Close)

	store := session.New()
	coordinator := session.NewCoordinator(store, fixedDecision{decision: decision}, t.TempDir())

	srv := NewServer("", idStore, registry, coordinator)
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts, ts.URL
}

func TestHandleInfoReturnsSnapshot(t *testing.T) {
	_, baseURL := newTestServer(t, consent.Accept)

	resp, err := http.Get(baseURL + BasePath + "/info")
	if err != nil {
		t.Fatalf("GET /info: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var info wire.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Alias != "tester" {
		t.Fatalf("unexpected alias %q", info.Alias)
	}
}

func TestHandleRegisterUpsertsPeer(t *testing.T) {
	ts, baseURL := newTestServer(t, consent.Accept)
	_ = ts

	body, _ := json.Marshal(wire.DeviceInfo{
		Fingerprint: "peer-A",
		Alias:       "A",
		Port:        53321,
		Protocol:    wire.ProtocolHTTP,
	})
	resp, err := http.Post(baseURL+BasePath+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleRegisterRejectsBadJSON(t *testing.T) {
	_, baseURL := newTestServer(t, consent.Accept)

	resp, err := http.Post(baseURL+BasePath+"/register", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("POST /register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func offerBody(t *testing.T) []byte {
	t.Helper()
	offer := wire.TransferOffer{
		Info: wire.DeviceInfo{Fingerprint: "peer-B", Alias: "B", Port: 1, Protocol: wire.ProtocolHTTP},
		Files: map[string]wire.FileMetadata{
			"f1": {ID: "f1", FileName: "report.pdf", Size: 4},
		},
	}
	body, err := json.Marshal(offer)
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	return body
}

func TestSendRequestDeclineThenSend404(t *testing.T) {
	_, baseURL := newTestServer(t, consent.Decline)

	resp, err := http.Post(baseURL+BasePath+"/send-request", "application/json", bytes.NewReader(offerBody(t)))
	if err != nil {
		t.Fatalf("POST /send-request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, baseURL+BasePath+"/send", bytes.NewReader([]byte("data")))
	req.Header.Set("X-Session-ID", "does-not-exist")
	req.Header.Set("X-File-ID", "f1")
	sendResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", sendResp.StatusCode)
	}
}

func TestSendRequestAcceptThenSendSucceeds(t *testing.T) {
	ts, baseURL := newTestServer(t, consent.Accept)
	_ = ts

	resp, err := http.Post(baseURL+BasePath+"/send-request", "application/json", bytes.NewReader(offerBody(t)))
	if err != nil {
		t.Fatalf("POST /send-request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var accepted wire.SendRequestAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	if accepted.SessionID == "" {
		t.Fatalf("expected non-empty sessionId")
	}

	req, _ := http.NewRequest(http.MethodPost, baseURL+BasePath+"/send", bytes.NewReader([]byte("data")))
	req.Header.Set("X-Session-ID", accepted.SessionID)
	req.Header.Set("X-File-ID", "f1")
	sendResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", sendResp.StatusCode)
	}
	var ack wire.SendAck
	if err := json.NewDecoder(sendResp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "file_received_ok" {
		t.Fatalf("unexpected ack status %q", ack.Status)
	}
}

func TestSendRequestEmptyFilesReturns400(t *testing.T) {
	_, baseURL := newTestServer(t, consent.Accept)

	offer := wire.TransferOffer{
		Info:  wire.DeviceInfo{Fingerprint: "peer-C", Alias: "C", Port: 1, Protocol: wire.ProtocolHTTP},
		Files: map[string]wire.FileMetadata{},
	}
	body, _ := json.Marshal(offer)
	resp, err := http.Post(baseURL+BasePath+"/send-request", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /send-request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty files, got %d", resp.StatusCode)
	}
}

func TestSendMissingHeadersReturns400(t *testing.T) {
	_, baseURL := newTestServer(t, consent.Accept)

	req, _ := http.NewRequest(http.MethodPost, baseURL+BasePath+"/send", bytes.NewReader([]byte("data")))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing headers, got %d", resp.StatusCode)
	}
}

func TestFilenameCollisionAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	idStore := identity.New("tester", "", wire.DeviceTypeDesktop)
	registry := peer.New(idStore.Fingerprint(), time.Minute)
	defer registry.Close()
	store := session.New()
	coordinator := session.NewCoordinator(store, fixedDecision{decision: consent.Accept}, dir)
	srv := NewServer("", idStore, registry, coordinator)
	ts := httptest.NewServer(srv.srv.Handler)
	defer ts.Close()

	send := func() {
		resp, err := http.Post(ts.URL+BasePath+"/send-request", "application/json", bytes.NewReader(offerBody(t)))
		if err != nil {
			t.Fatalf("POST /send-request: %v", err)
		}
		defer resp.Body.Close()
		var accepted wire.SendRequestAccepted
		json.NewDecoder(resp.Body).Decode(&accepted)

		req, _ := http.NewRequest(http.MethodPost, ts.URL+BasePath+"/send", bytes.NewReader([]byte("data")))
		req.Header.Set("X-Session-ID", accepted.SessionID)
		req.Header.Set("X-File-ID", "f1")
		sendResp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST /send: %v", err)
		}
		sendResp.Body.Close()
	}

	send()
	send()

	if _, err := os.Stat(filepath.Join(dir, "report.pdf")); err != nil {
		t.Fatalf("expected report.pdf on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "report-1.pdf")); err != nil {
		t.Fatalf("expected report-1.pdf on disk after collision: %v", err)
	}
}
