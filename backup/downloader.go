package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meow-io/go-seal/clock"
	"github.com/meow-io/go-seal/config"
	"github.com/meow-io/go-seal/internal/db"
	"github.com/meow-io/go-seal/megolm"
	"go.uber.org/zap"
)

type downloadRequest struct {
	roomID    string
	sessionID string
}

// KeyImported is emitted when a session recovered from backup has been
// imported into the session store.
type KeyImported struct {
	RoomID    string
	SessionID string
}

// Downloader recovers individual session keys from backup. It runs a
// single-consumer FIFO of (roomId, sessionId) requests, deduplicated on
// enqueue; a request is only removed from the queue once its outcome is
// fully resolved.
type Downloader struct {
	config     *config.Config
	log        *zap.SugaredLogger
	db         *database
	internalDB *db.Database
	clock      clock.Clock
	manager    *Manager
	megolm     *megolm.Manager

	lock    sync.Mutex
	queue   []downloadRequest
	queued  map[downloadRequest]bool
	stopped bool

	wake       chan struct{}
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func NewDownloader(c *config.Config, internalDB *db.Database, clk clock.Clock, manager *Manager, megolmManager *megolm.Manager) (*Downloader, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Downloader{
		config:     c,
		log:        c.Logger("backup/downloader"),
		db:         d,
		internalDB: internalDB,
		clock:      clk,
		manager:    manager,
		megolm:     megolmManager,
		queued:     make(map[downloadRequest]bool),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancelFunc: cancel,
	}, nil
}

func (d *Downloader) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop shuts the consume loop down. The stop is observed at the next
// suspension point, never mid-fetch.
func (d *Downloader) Stop() {
	d.lock.Lock()
	d.stopped = true
	d.lock.Unlock()
	d.cancelFunc()
	d.wg.Wait()
}

// OnDecryptionKeyMissing enqueues a backup lookup for a session that failed
// to decrypt. Requests already queued are coalesced, and a session recently
// resolved as absent from backup is suppressed until the backoff window
// elapses.
func (d *Downloader) OnDecryptionKeyMissing(roomID, sessionID string) error {
	d.lock.Lock()
	if d.stopped {
		d.lock.Unlock()
		return ErrStopped
	}
	req := downloadRequest{roomID: roomID, sessionID: sessionID}
	if d.queued[req] {
		d.lock.Unlock()
		return nil
	}
	d.lock.Unlock()

	var suppressed bool
	err := d.internalDB.RunReadOnly("check missing-key suppression", func() error {
		lastMs, found, err := d.db.missingSince(roomID, sessionID)
		if err != nil {
			return err
		}
		suppressed = found && d.clock.CurrentTimeMs()-lastMs < d.config.MissingKeySuppressMs
		return nil
	})
	if err != nil {
		return err
	}
	if suppressed {
		return nil
	}

	d.lock.Lock()
	if d.stopped {
		d.lock.Unlock()
		return ErrStopped
	}
	if !d.queued[req] {
		d.queued[req] = true
		d.queue = append(d.queue, req)
	}
	d.lock.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// head peeks the queue without popping.
func (d *Downloader) head() (downloadRequest, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.queue) == 0 {
		return downloadRequest{}, false
	}
	return d.queue[0], true
}

// pop removes the head request after its outcome is fully resolved.
func (d *Downloader) pop(req downloadRequest) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.queue) != 0 && d.queue[0] == req {
		d.queue = d.queue[1:]
		delete(d.queued, req)
	}
}

func (d *Downloader) run() {
	defer d.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(d.config.DownloadBackoffMs) * time.Millisecond
	bo.MaxElapsedTime = 0

	for {
		req, ok := d.head()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}

		err := d.processRequest(req)
		if err == nil {
			bo.Reset()
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
			return
		}

		var rateLimited *RateLimitedError
		var invalid *InvalidConfigurationError
		var wait time.Duration
		switch {
		case errors.As(err, &invalid), errors.Is(err, ErrNoRecoveryKey):
			// halt entirely until a backup-status change re-triggers a check
			d.log.Infof("downloader halted: %v", err)
			select {
			case <-d.ctx.Done():
				return
			case <-d.manager.statusWake:
			}
			bo.Reset()
			continue
		case errors.As(err, &rateLimited):
			wait = time.Duration(rateLimited.RetryAfterMs) * time.Millisecond
		default:
			wait = bo.NextBackOff()
			d.log.Warnf("download of %s/%s failed, retrying in %s: %v", req.roomID, req.sessionID, wait, err)
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// processRequest resolves one queued request end to end. The request is
// popped only on success or a terminal missing-key classification; transient
// failures leave it at the head for retry.
func (d *Downloader) processRequest(req downloadRequest) error {
	cfg, err := d.manager.Configuration(d.ctx)
	if err != nil {
		return err
	}
	if cfg.Decryptor == nil {
		return ErrNoRecoveryKey
	}

	data, err := d.manager.client.GetRoomKey(d.ctx, cfg.Version.Version, req.roomID, req.sessionID)
	if errors.Is(err, ErrNotFound) {
		// genuinely absent from backup; remember so re-queries are suppressed
		if err := d.markMissing(req); err != nil {
			return err
		}
		d.pop(req)
		return nil
	}
	if err != nil {
		return err
	}

	session, err := cfg.Decryptor.Decrypt(req.sessionID, data)
	if err != nil {
		d.log.Warnf("backup entry for %s/%s is undecryptable: %v", req.roomID, req.sessionID, err)
		if err := d.markMissing(req); err != nil {
			return err
		}
		d.pop(req)
		return nil
	}

	if err := d.megolm.ImportBackupSession(req.roomID, req.sessionID, session.SenderKey, session.SessionKey, session.SharedHistory, session.ForwardingKeyChain); err != nil {
		return err
	}
	d.manager.enqueueUpdate(&KeyImported{RoomID: req.roomID, SessionID: req.sessionID})
	d.pop(req)
	return nil
}

func (d *Downloader) markMissing(req downloadRequest) error {
	return d.internalDB.Run("mark missing key", func() error {
		return d.db.markMissing(req.roomID, req.sessionID, d.clock.CurrentTimeMs())
	})
}
