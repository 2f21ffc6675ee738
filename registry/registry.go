// Package registry stores per-project configuration in bbolt.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"
	"go.etcd.io/bbolt"
)

// Error is the class wrapping registry failures.
var Error = errs.Class("registry")

// ErrNotFound is returned when a project has no stored config.
var ErrNotFound = Error.New("project not found")

// DefaultProject is the project id legacy single-segment paths map to.
const DefaultProject = "_default"

var projectsBucket = []byte("projects")

// Project is one tenant's configuration.
type Project struct {
	ID             string   `json:"id"`
	SigningSecrets []string `json:"signing_secrets,omitempty"`
	Public         bool     `json:"public,omitempty"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	ReaderKey      string   `json:"reader_key,omitempty"`
	CreatedAt      int64    `json:"created_at"`
}

// Registry is a bbolt-backed project store.
type Registry struct {
	db *bbolt.DB
}

// Open creates the data directory and the projects bucket if needed.
func Open(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "registry.db"), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(projectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, Error.Wrap(err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return Error.Wrap(r.db.Close())
}

// Get returns the stored project, or ErrNotFound.
func (r *Registry) Get(id string) (*Project, error) {
	var p *Project
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(projectsBucket).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		p = new(Project)
		return json.Unmarshal(raw, p)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return p, nil
}

// Put stores or replaces a project.
func (r *Registry) Put(p *Project) error {
	if p.ID == "" {
		return Error.New("project id is required")
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().Unix()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(projectsBucket).Put([]byte(p.ID), raw)
	}))
}

// Delete removes a project. Missing projects are not an error.
func (r *Registry) Delete(id string) error {
	return Error.Wrap(r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(projectsBucket).Delete([]byte(id))
	}))
}

// List returns every stored project.
func (r *Registry) List() ([]*Project, error) {
	var out []*Project
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(projectsBucket).ForEach(func(_, raw []byte) error {
			p := new(Project)
			if err := json.Unmarshal(raw, p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}
