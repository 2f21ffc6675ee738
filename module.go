// Package tailstream implements an append-only log service as a Caddy
// HTTP handler: per-stream single-writer sequencing over a SQLite hot
// log, segment rotation into blob storage, producer idempotency, and
// an edge tier with response caching, request coalescing, long-poll
// and SSE fan-out.
package tailstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/tailstream/tailstream/auth"
	"github.com/tailstream/tailstream/blob"
	"github.com/tailstream/tailstream/coalesce"
	"github.com/tailstream/tailstream/edgecache"
	"github.com/tailstream/tailstream/engine"
	"github.com/tailstream/tailstream/registry"
	"github.com/tailstream/tailstream/sequencer"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("tailstream", parseCaddyfile)
}

// Handler serves the stream protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir holds the project registry, per-stream hot logs, and
	// (absent S3) the blob store. A temp dir is used when empty.
	DataDir string `json:"data_dir,omitempty"`

	// S3 moves sealed segments to object storage when Bucket is set.
	S3 *blob.S3Config `json:"s3,omitempty"`

	// QuotaBytes caps each stream's hot log. Appends are rejected
	// with 507 at 90% of this.
	QuotaBytes int64 `json:"quota_bytes,omitempty"`

	// MaxAppendBytes caps a single append body.
	MaxAppendBytes int64 `json:"max_append_bytes,omitempty"`

	// MaxChunkBytes caps a single read response body.
	MaxChunkBytes int64 `json:"max_chunk_bytes,omitempty"`

	// SegmentMaxMessages and SegmentMaxBytes trigger rotation of the
	// hot window into a sealed blob segment.
	SegmentMaxMessages int64 `json:"segment_max_messages,omitempty"`
	SegmentMaxBytes    int64 `json:"segment_max_bytes,omitempty"`

	// CacheEntries bounds the edge response cache.
	CacheEntries int `json:"cache_entries,omitempty"`

	// CleanupInterval is how often expired streams are swept from
	// disk. Zero disables the sweep; expiry still applies lazily on
	// the next request to the stream.
	CleanupInterval caddy.Duration `json:"cleanup_interval,omitempty"`

	// CrossNodeCoalesce enables the sentinel protocol in the shared
	// response cache so concurrent misses collapse across nodes too.
	CrossNodeCoalesce bool `json:"cross_node_coalesce,omitempty"`

	// CORSOrigins is the global allow-list, intersected with each
	// project's own origins. Empty means allow any origin.
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// OpenMode disables token auth entirely. Intended for local
	// development and tests.
	OpenMode bool `json:"open_mode,omitempty"`

	// DebugActions allows X-Debug-Action requests. The actions
	// themselves only exist under the tailstreamdebug build tag.
	DebugActions bool `json:"debug_actions,omitempty"`

	logger    *zap.Logger
	registry  *registry.Registry
	blobs     blob.Store
	cache     *edgecache.Cache
	coalescer *coalesce.Coalescer
	host      *sequencer.Host
	auth      auth.Authorizer
	now       func() time.Time

	warmMu  sync.Mutex
	warming map[string]bool

	tempDataDir string
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.tailstream",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()
	h.now = time.Now

	if h.DataDir == "" {
		dir, err := os.MkdirTemp("", "tailstream-*")
		if err != nil {
			return fmt.Errorf("creating temp data dir: %w", err)
		}
		h.DataDir = dir
		h.tempDataDir = dir
		h.logger.Info("using temp data dir (no data_dir configured)", zap.String("data_dir", dir))
	}
	if h.CacheEntries == 0 {
		h.CacheEntries = edgecache.DefaultMaxEntries
	}

	reg, err := registry.Open(h.DataDir)
	if err != nil {
		return fmt.Errorf("opening project registry: %w", err)
	}
	h.registry = reg

	if h.S3 != nil && h.S3.Bucket != "" {
		blobs, err := blob.NewS3(ctx, *h.S3)
		if err != nil {
			return fmt.Errorf("initializing s3 blob store: %w", err)
		}
		h.blobs = blobs
		h.logger.Info("using s3 blob store", zap.String("bucket", h.S3.Bucket))
	} else {
		blobs, err := blob.NewFS(filepath.Join(h.DataDir, "blobs"))
		if err != nil {
			return fmt.Errorf("initializing blob store: %w", err)
		}
		h.blobs = blobs
	}

	h.cache = edgecache.New(h.CacheEntries)
	h.coalescer = coalesce.New()
	h.warming = make(map[string]bool)
	if h.OpenMode {
		h.auth = auth.Open{}
	} else {
		h.auth = auth.Tokens{}
	}

	h.host = sequencer.NewHost(h.DataDir, h.blobs, engine.Config{
		MaxAppendBytes:     h.MaxAppendBytes,
		MaxChunkBytes:      h.MaxChunkBytes,
		QuotaBytes:         h.QuotaBytes,
		SegmentMaxMessages: h.SegmentMaxMessages,
		SegmentMaxBytes:    h.SegmentMaxBytes,
	}, h.logger, h)
	h.host.StartCleanup(time.Duration(h.CleanupInterval))

	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.QuotaBytes < 0 || h.MaxAppendBytes < 0 || h.MaxChunkBytes < 0 {
		return fmt.Errorf("size limits must be non-negative")
	}
	if h.SegmentMaxMessages < 0 || h.SegmentMaxBytes < 0 {
		return fmt.Errorf("segment thresholds must be non-negative")
	}
	if h.S3 != nil && h.S3.Bucket != "" && h.S3.Region == "" && h.S3.Endpoint == "" {
		return fmt.Errorf("s3 requires a region or an endpoint")
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	var errs []error
	if h.host != nil {
		if err := h.host.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.registry != nil {
		if err := h.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.tempDataDir != "" {
		if err := os.RemoveAll(h.tempDataDir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup: %v", errs)
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for tailstream
//
//	tailstream {
//	    data_dir /var/lib/tailstream
//	    quota_bytes 10737418240
//	    max_append_bytes 8388608
//	    max_chunk_bytes 262144
//	    segment_max_messages 1000
//	    segment_max_bytes 4194304
//	    cache_entries 65536
//	    cleanup_interval 1m
//	    cross_node_coalesce
//	    cors_origins https://app.example.com https://admin.example.com
//	    open_mode
//	    debug_actions
//	    s3 {
//	        bucket my-segments
//	        region us-east-1
//	        endpoint http://localhost:9000
//	        access_key AKIAEXAMPLE
//	        secret_key hunter2
//	        prefix tailstream/
//	    }
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "quota_bytes":
				if err := parseInt64Arg(d, &h.QuotaBytes); err != nil {
					return err
				}
			case "max_append_bytes":
				if err := parseInt64Arg(d, &h.MaxAppendBytes); err != nil {
					return err
				}
			case "max_chunk_bytes":
				if err := parseInt64Arg(d, &h.MaxChunkBytes); err != nil {
					return err
				}
			case "segment_max_messages":
				if err := parseInt64Arg(d, &h.SegmentMaxMessages); err != nil {
					return err
				}
			case "segment_max_bytes":
				if err := parseInt64Arg(d, &h.SegmentMaxBytes); err != nil {
					return err
				}
			case "cache_entries":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				if _, err := fmt.Sscanf(val, "%d", &h.CacheEntries); err != nil {
					return d.Errf("invalid cache_entries: %v", err)
				}
			case "cleanup_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid cleanup_interval: %v", err)
				}
				h.CleanupInterval = caddy.Duration(dur)
			case "cross_node_coalesce":
				h.CrossNodeCoalesce = true
			case "cors_origins":
				h.CORSOrigins = d.RemainingArgs()
				if len(h.CORSOrigins) == 0 {
					return d.ArgErr()
				}
			case "open_mode":
				h.OpenMode = true
			case "debug_actions":
				h.DebugActions = true
			case "s3":
				if h.S3 == nil {
					h.S3 = &blob.S3Config{}
				}
				if err := h.unmarshalS3(d); err != nil {
					return err
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func (h *Handler) unmarshalS3(d *caddyfile.Dispenser) error {
	for d.NextBlock(1) {
		switch d.Val() {
		case "bucket":
			if !d.Args(&h.S3.Bucket) {
				return d.ArgErr()
			}
		case "region":
			if !d.Args(&h.S3.Region) {
				return d.ArgErr()
			}
		case "endpoint":
			if !d.Args(&h.S3.Endpoint) {
				return d.ArgErr()
			}
		case "access_key":
			if !d.Args(&h.S3.AccessKey) {
				return d.ArgErr()
			}
		case "secret_key":
			if !d.Args(&h.S3.SecretKey) {
				return d.ArgErr()
			}
		case "prefix":
			if !d.Args(&h.S3.Prefix) {
				return d.ArgErr()
			}
		default:
			return d.Errf("unknown s3 subdirective: %s", d.Val())
		}
	}
	return nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

func parseInt64Arg(d *caddyfile.Dispenser, out *int64) error {
	var val string
	if !d.Args(&val) {
		return d.ArgErr()
	}
	if _, err := fmt.Sscanf(val, "%d", out); err != nil {
		return d.Errf("invalid %s: %v", d.Val(), err)
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
	_ engine.PreCacher            = (*Handler)(nil)
)
