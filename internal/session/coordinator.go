package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appErrors "lansend/internal/errors"
	"lansend/internal/consent"
	"lansend/internal/wire"
)

// Defaults from spec.md §4.6.
const (
	DefaultConsentTimeout   = 60 * time.Second
	DefaultCompletionGrace  = 30 * time.Second
	DefaultIdleTimeout      = 10 * time.Minute
	sweepInterval           = time.Second
)

// Coordinator is the TransferCoordinator: it brokers consent for incoming
// offers, opens file writers for accepted uploads, and drives each
// session through the spec.md §4.6 state machine. Grounded on the
// teacher's SessionManager verbs, generalized across the full state
// machine and wired to a pluggable consent.Provider instead of a fixed
// stdin prompt.
type Coordinator struct {
	store    *Store
	consent  consent.Provider
	downloadDir string

	consentTimeout  time.Duration
	completionGrace time.Duration
	idleTimeout     time.Duration

	logger *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCoordinator builds a Coordinator writing accepted files under
// downloadDir, created on demand.
func NewCoordinator(store *Store, provider consent.Provider, downloadDir string) *Coordinator {
	return &Coordinator{
		store:           store,
		consent:         provider,
		downloadDir:     downloadDir,
		consentTimeout:  DefaultConsentTimeout,
		completionGrace: DefaultCompletionGrace,
		idleTimeout:     DefaultIdleTimeout,
		logger:          log.New(os.Stderr, "session: ", log.LstdFlags),
		stopCh:          make(chan struct{}),
	}
}

// Start runs the background sweeper that enforces completion grace and
// idle expiry until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				now := time.Now()
				if removed := c.store.SweepCompletionGrace(now, c.completionGrace); len(removed) > 0 {
					c.logger.Printf("removed %d completed session(s) after grace", len(removed))
				}
				if expired := c.store.SweepIdle(now, c.idleTimeout); len(expired) > 0 {
					c.logger.Printf("expired %d idle session(s)", len(expired))
				}
			}
		}
	}()
}

// Stop halts the background sweeper and waits for it to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// HandleOffer implements the Pending -> {Accepted | Declined | Expired}
// transition: it validates the offer, creates a Pending session, and
// blocks the caller (the /send-request HTTP handler) on the
// UserConsentProvider with a 60s timeout, per spec.md §4.6. The
// coordinator holds no lock across this wait — consent.Provider
// implementations own their own synchronization.
func (c *Coordinator) HandleOffer(ctx context.Context, offer wire.TransferOffer, peerFingerprint string) (sessionID string, accepted bool, err error) {
	if err := offer.Validate(); err != nil {
		return "", false, appErr(appErrors.MalformedPayload, "HandleOffer", err)
	}

	sess := c.store.Create(offer, peerFingerprint)

	consentCtx, cancel := context.WithTimeout(ctx, c.consentTimeout)
	defer cancel()

	decision, consentErr := c.consent.RequestConsent(consentCtx, offer, peerFingerprint)
	if consentErr != nil {
		// Timeout or provider failure: treat as expiry, equivalent to decline.
		_ = c.store.Transition(sess.ID, Expired)
		c.store.Remove(sess.ID)
		return "", false, nil
	}
	if decision == consent.Decline {
		_ = c.store.Transition(sess.ID, Declined)
		c.store.Remove(sess.ID)
		return "", false, nil
	}

	if err := c.store.Transition(sess.ID, Accepted); err != nil {
		c.logger.Printf("transition to Accepted failed for %s: %v", sess.ID, err)
		return "", false, appErr(appErrors.LocalIO, "HandleOffer", err)
	}
	return sess.ID, true, nil
}

// FileWriter is the per-file write handle returned by BeginUpload. It
// tracks the destination file, the session/file it belongs to, and the
// expected size so HttpPlane's /send handler can verify the byte count on
// completion.
type FileWriter struct {
	file         *os.File
	path         string
	sessionID    string
	fileID       string
	expectedSize int64
}

// Path is the sanitized, collision-resolved filesystem path being written.
func (w *FileWriter) Path() string { return w.path }

// Write satisfies io.Writer.
func (w *FileWriter) Write(p []byte) (int, error) { return w.file.Write(p) }

// BeginUpload implements the Accepted -> Uploading transition triggered by
// the first /send byte for a session (spec.md §4.6). It resolves the
// destination path via sanitizeFileName/resolveCollisionPath and opens the
// file for writing.
func (c *Coordinator) BeginUpload(sessionID, fileID string) (*FileWriter, error) {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return nil, appErr(appErrors.ProtocolViolation, "BeginUpload", fmt.Errorf("unknown session %q", sessionID))
	}
	meta, ok := sess.Offer.Files[fileID]
	if !ok {
		return nil, appErr(appErrors.ProtocolViolation, "BeginUpload", fmt.Errorf("unknown file %q", fileID))
	}
	if sess.State != Accepted && sess.State != Uploading {
		return nil, appErr(appErrors.ProtocolViolation, "BeginUpload", fmt.Errorf("session %q not accepting uploads (state %s)", sessionID, sess.State))
	}

	if sess.State == Accepted {
		if err := c.store.Transition(sessionID, Uploading); err != nil {
			return nil, appErr(appErrors.LocalIO, "BeginUpload", err)
		}
	}

	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		return nil, appErr(appErrors.LocalIO, "BeginUpload", err)
	}

	name, err := sanitizeFileName(meta.FileName)
	if err != nil {
		return nil, appErr(appErrors.MalformedPayload, "BeginUpload", err)
	}
	path, err := resolveCollisionPath(c.downloadDir, name)
	if err != nil {
		return nil, appErr(appErrors.LocalIO, "BeginUpload", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, appErr(appErrors.LocalIO, "BeginUpload", err)
	}

	return &FileWriter{file: f, path: path, sessionID: sessionID, fileID: fileID, expectedSize: meta.Size}, nil
}

// FinishUpload completes the Uploading -> {Completed | Failed} transition
// for one file within a session. written is the number of bytes actually
// copied into the FileWriter; copyErr is any error the caller's io.Copy
// returned. If written does not equal the file's advertised size, or
// copyErr is non-nil, the partial file is deleted and the session fails.
// Otherwise progress is recorded, and once every file in the offer has
// reached its full size the session transitions to Completed (removal
// happens later, after the completion grace period, via the background
// sweeper started by Start).
func (c *Coordinator) FinishUpload(w *FileWriter, written int64, copyErr error) error {
	defer w.file.Close()

	if copyErr != nil || written != w.expectedSize {
		os.Remove(w.path)
		_ = c.store.Transition(w.sessionID, Failed)
		if copyErr != nil {
			return appErr(appErrors.LocalIO, "FinishUpload", copyErr)
		}
		return appErr(appErrors.LocalIO, "FinishUpload", fmt.Errorf("size mismatch: wrote %d, expected %d", written, w.expectedSize))
	}

	if err := c.store.UpdateProgress(w.sessionID, w.fileID, written); err != nil {
		return appErr(appErrors.LocalIO, "FinishUpload", err)
	}

	sess, ok := c.store.Get(w.sessionID)
	if !ok {
		return nil
	}
	allDone := true
	for id, meta := range sess.Offer.Files {
		if sess.Progress[id] < meta.Size {
			allDone = false
			break
		}
	}
	if allDone {
		_ = c.store.Transition(w.sessionID, Completed)
	}
	return nil
}

func appErr(t appErrors.ErrorType, source string, err error) *appErrors.AppError {
	return appErrors.New(t, source, err.Error(), err)
}

// sanitizeFileName implements spec.md §4.6's file-naming rule: take the
// final path component only (any directory part, including ".." segments,
// is dropped), and reject names containing NUL bytes, names that reduce to
// "", "." or "..", and names with a leading dot.
func sanitizeFileName(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("file name contains NUL byte")
	}
	base := filepath.Base(filepath.Clean(raw))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("invalid file name %q", raw)
	}
	if strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("file name %q may not begin with a dot", raw)
	}
	return base, nil
}

// resolveCollisionPath returns dir/name if free, otherwise dir/stem-N.ext
// (name split into stem and extension) for the smallest positive integer N
// that is free.
func resolveCollisionPath(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", err
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n < 1_000_000; n++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, n, ext)
		path = filepath.Join(dir, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("could not resolve a free name for %q", name)
}
