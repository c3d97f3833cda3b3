// Package account tracks which account is active and which image each
// account touched last. Correlation uses it to resolve requests that carry
// no explicit identifiers.
package account

import (
	"strings"
	"sync"
	"time"
)

// Context is the explicit replacement for a process-wide "active account"
// global. It is safe for concurrent use.
type Context struct {
	mu        sync.RWMutex
	active    string
	lastImage map[string]string
	page      map[string]Page
	uploads   map[string]upload
	uploadTTL time.Duration
	now       func() time.Time
}

// Page is the UI location last reported for an account.
type Page struct {
	ImageID    string
	URL        string
	VideoReady bool
	ReportedAt time.Time
}

type upload struct {
	accountID  string
	recordedAt time.Time
}

const defaultUploadTTL = 30 * time.Minute

func NewContext() *Context {
	return &Context{
		lastImage: make(map[string]string),
		page:      make(map[string]Page),
		uploads:   make(map[string]upload),
		uploadTTL: defaultUploadTTL,
		now:       time.Now,
	}
}

// SetActive records accountID as the active account. Blank ids are ignored.
func (c *Context) SetActive(accountID string) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return
	}
	c.mu.Lock()
	c.active = accountID
	c.mu.Unlock()
}

func (c *Context) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// TouchImage records imageID as the last image used by accountID.
func (c *Context) TouchImage(accountID, imageID string) {
	if accountID == "" || imageID == "" {
		return
	}
	c.mu.Lock()
	c.lastImage[accountID] = imageID
	c.mu.Unlock()
}

func (c *Context) LastImage(accountID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastImage[accountID]
}

// ReportPage records the page an account is looking at. A page with an
// image id also counts as touching that image.
func (c *Context) ReportPage(accountID string, p Page) {
	if accountID == "" {
		return
	}
	if p.ReportedAt.IsZero() {
		p.ReportedAt = c.now()
	}
	c.mu.Lock()
	c.page[accountID] = p
	if p.ImageID != "" {
		c.lastImage[accountID] = p.ImageID
	}
	c.mu.Unlock()
}

func (c *Context) Page(accountID string) (Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.page[accountID]
	return p, ok
}

// VideoPageActive reports whether the account is still on a video-capable
// page for imageID. Accounts that never reported a page are assumed to be.
func (c *Context) VideoPageActive(accountID, imageID string) bool {
	p, ok := c.Page(accountID)
	if !ok {
		return true
	}
	if !p.VideoReady {
		return false
	}
	return p.ImageID == "" || p.ImageID == imageID
}

// RecordUpload remembers which account uploaded imageID so a later
// generation request without account fields can still be attributed.
func (c *Context) RecordUpload(imageID, accountID string) {
	if imageID == "" || accountID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneUploadsLocked()
	c.uploads[imageID] = upload{accountID: accountID, recordedAt: c.now()}
}

// PendingUpload returns the uploader of imageID if it is still fresh.
func (c *Context) PendingUpload(imageID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.uploads[imageID]
	if !ok || c.now().Sub(u.recordedAt) > c.uploadTTL {
		return "", false
	}
	return u.accountID, true
}

// ConsumeUpload removes and returns the pending upload for imageID.
func (c *Context) ConsumeUpload(imageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.uploads[imageID]
	if !ok {
		return "", false
	}
	delete(c.uploads, imageID)
	if c.now().Sub(u.recordedAt) > c.uploadTTL {
		return "", false
	}
	return u.accountID, true
}

func (c *Context) pruneUploadsLocked() {
	now := c.now()
	for id, u := range c.uploads {
		if now.Sub(u.recordedAt) > c.uploadTTL {
			delete(c.uploads, id)
		}
	}
}
