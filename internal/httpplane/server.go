// Package httpplane implements the HttpPlane from spec.md §4.4/§4.5: the
// HTTP control/data plane server handling /info, /register, /send-request
// and /send, plus the outbound client for those same four endpoints, used
// to query, register with, and push files to a peer. Grounded on original_source's FileShareHttpServer (same
// four endpoints, same constant path table) rewritten onto net/http, and on
// the mux.HandleFunc/jsonOK/jsonError handler-registration idiom from
// SameerGiri69-FileTransferSystem/internal/api/api.go.
package httpplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	appErrors "lansend/internal/errors"
	"lansend/internal/identity"
	"lansend/internal/peer"
	"lansend/internal/session"
	"lansend/internal/wire"
)

// BasePath is the fixed API prefix spec.md §4.4 defines every endpoint under.
const BasePath = "/api/localsend/v1"

// shutdownGrace is how long ListenAndServe waits for in-flight requests to
// finish before forcing shutdown (spec.md §5: "1 s grace period").
const shutdownGrace = time.Second

// Server is the HttpPlane server side: four handlers wired to the
// identity, peer and session layers.
type Server struct {
	identity    *identity.Store
	registry    *peer.Registry
	coordinator *session.Coordinator

	logger *log.Logger
	srv    *http.Server
}

// NewServer builds a Server that will listen on addr (":0" selects an OS
// port) once ListenAndServe is called.
func NewServer(addr string, identityStore *identity.Store, registry *peer.Registry, coordinator *session.Coordinator) *Server {
	s := &Server{
		identity:    identityStore,
		registry:    registry,
		coordinator: coordinator,
		logger:      log.New(os.Stderr, "httpplane: ", log.LstdFlags),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(BasePath+"/info", s.handleInfo)
	mux.HandleFunc(BasePath+"/register", s.handleRegister)
	mux.HandleFunc(BasePath+"/send-request", s.handleSendRequest)
	mux.HandleFunc(BasePath+"/send", s.handleSend)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe binds the configured address, records the actually-bound
// port on the identity store, serves until ctx is cancelled, then shuts
// down with a 1 s grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("httpplane: listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.identity.SetBoundAddress(boundIP(ln), port)
	s.identity.SetTransport(wire.ProtocolHTTP)
	s.logger.Printf("listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func boundIP(ln net.Listener) string {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok || addr.IP == nil || addr.IP.IsUnspecified() {
		return localIPv4()
	}
	return addr.IP.String()
}

// localIPv4 best-effort returns the first IPv4 address found on an up,
// non-loopback interface, used when the server is bound to the wildcard
// address.
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return ""
}

// handleInfo implements GET /info: a fresh self DeviceInfo snapshot.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jsonWrite(w, http.StatusOK, s.identity.Snapshot())
}

// handleRegister implements POST /register: upsert the caller into the
// PeerRegistry using the request's source IP as authoritative.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var info wire.DeviceInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		s.logger.Printf("register: invalid json from %s: %v", r.RemoteAddr, err)
		jsonError(w, http.StatusBadRequest, "invalid json")
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	info = info.WithSourceIP(net.ParseIP(host))

	if _, err := s.registry.Upsert(info); err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonWrite(w, http.StatusOK, wire.RegisterAck{Status: "received"})
}

// handleSendRequest implements POST /send-request: decode a TransferOffer,
// run it through the TransferCoordinator's consent gate, and answer
// accepted/declined.
func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var offer wire.TransferOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid json")
		return
	}

	sessionID, accepted, err := s.coordinator.HandleOffer(r.Context(), offer, offer.Info.Fingerprint)
	if err != nil {
		s.writeAppError(w, err, "invalid transfer offer")
		return
	}
	if !accepted {
		jsonWrite(w, http.StatusForbidden, wire.SendRequestDeclined{Status: "declined"})
		return
	}
	jsonWrite(w, http.StatusOK, wire.SendRequestAccepted{Status: "accepted", SessionID: sessionID})
}

// handleSend implements POST /send: stream the body into the file named by
// X-Session-ID/X-File-ID, verifying the final byte count.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	sessionID := strings.TrimSpace(r.Header.Get("X-Session-ID"))
	fileID := strings.TrimSpace(r.Header.Get("X-File-ID"))
	if sessionID == "" || fileID == "" {
		jsonError(w, http.StatusBadRequest, "missing X-Session-ID or X-File-ID header")
		return
	}

	fw, err := s.coordinator.BeginUpload(sessionID, fileID)
	if err != nil {
		s.writeAppError(w, err, "cannot begin upload")
		return
	}

	buf := make([]byte, 32*1024)
	written, copyErr := io.CopyBuffer(fw, r.Body, buf)
	if err := s.coordinator.FinishUpload(fw, written, copyErr); err != nil {
		s.writeAppError(w, err, "upload failed")
		return
	}
	jsonWrite(w, http.StatusOK, wire.SendAck{Status: "file_received_ok"})
}

func (s *Server) writeAppError(w http.ResponseWriter, err error, fallback string) {
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		jsonError(w, appErr.Type.HTTPStatus(), appErr.Error())
		return
	}
	jsonError(w, http.StatusInternalServerError, fallback)
}

func methodNotAllowed(w http.ResponseWriter) {
	jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func jsonWrite(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("httpplane: encode response: %v", err)
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonWrite(w, status, wire.ErrorBody{Error: message})
}
