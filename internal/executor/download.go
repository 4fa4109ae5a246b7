package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
	"pagecmd-agent/internal/transport"
)

// EventLoop runs a task on the loop goroutine and waits for it.
type EventLoop interface {
	Call(ctx context.Context, fn func()) error
}

// Downloader runs "download" commands: a GET per command, with the body
// substituted into the target node when the request completes. Downloads are
// independent of each other and of later batches; whichever completion runs
// on the loop last decides the content of a node they share.
type Downloader struct {
	ctx       context.Context
	tree      dom.Tree
	transport transport.Transport
	loop      EventLoop
	base      *url.URL
	bus       *core.EventBus
	logger    *zap.Logger

	wg sync.WaitGroup
}

// NewDownloader creates a downloader. Relative paths are resolved against
// base when it is non-empty. ctx bounds the lifetime of in-flight requests.
func NewDownloader(ctx context.Context, tree dom.Tree, t transport.Transport, loop EventLoop, base string, bus *core.EventBus, logger *zap.Logger) (*Downloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{
		ctx:       ctx,
		tree:      tree,
		transport: t,
		loop:      loop,
		bus:       bus,
		logger:    logger.Named("download"),
	}
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid download base url %q: %w", base, err)
		}
		d.base = u
	}
	return d, nil
}

// Start issues the request and returns at once. The node is looked up by id
// when the response arrives, not now.
func (d *Downloader) Start(id, path string) error {
	target, err := d.resolve(path)
	if err != nil {
		return err
	}
	dlID := ulid.Make().String()

	d.logger.Debug("download started", zap.String("id", id), zap.String("url", target), zap.String("download", dlID))
	d.bus.Publish(core.DownloadStartedEvent, core.Report{Target: id, URL: target, DownloadID: dlID})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp := d.transport.Do(d.ctx, transport.Request{Method: http.MethodGet, URL: target})
		err := d.loop.Call(context.Background(), func() {
			d.complete(id, target, dlID, resp)
		})
		if err != nil {
			d.logger.Warn("download completion dropped", zap.String("id", id), zap.String("download", dlID), zap.Error(err))
		}
	}()
	return nil
}

func (d *Downloader) complete(id, target, dlID string, resp transport.Response) {
	if !resp.OK {
		err := &core.TransportError{Method: http.MethodGet, URL: target, Status: resp.Status, Err: resp.Err}
		d.fail(id, target, dlID, err)
		return
	}

	n := d.tree.Lookup(id)
	if n == nil {
		d.fail(id, target, dlID, &core.UnresolvedTargetError{ID: id})
		return
	}
	if err := replaceContent(d.tree, n, string(resp.Body)); err != nil {
		d.fail(id, target, dlID, err)
		return
	}

	d.logger.Debug("download applied", zap.String("id", id), zap.String("download", dlID), zap.Int("bytes", len(resp.Body)))
	d.bus.Publish(core.DownloadCompletedEvent, core.Report{Target: id, URL: target, DownloadID: dlID})
}

func (d *Downloader) fail(id, target, dlID string, err error) {
	d.logger.Warn("download failed", zap.String("id", id), zap.String("download", dlID), zap.Error(err))
	d.bus.Publish(core.DownloadFailedEvent, core.Report{
		Target:     id,
		URL:        target,
		DownloadID: dlID,
		Kind:       core.Kind(err),
		Error:      err.Error(),
	})
}

// Wait blocks until every started download has completed and its completion
// has run on the loop. It must not be called from the loop goroutine.
func (d *Downloader) Wait() {
	d.wg.Wait()
}

func (d *Downloader) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("download: empty path")
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("download: invalid path %q: %w", path, err)
	}
	if d.base == nil || ref.IsAbs() {
		return path, nil
	}
	return d.base.ResolveReference(ref).String(), nil
}
