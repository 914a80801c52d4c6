// Package mangadex reads chapter and title metadata from the MangaDex
// legacy numeric API.
package mangadex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/mdscrape/internal/download"
	"github.com/JakeFAU/mdscrape/internal/governor"
)

// DefaultBaseURL is the legacy API endpoint.
const DefaultBaseURL = "https://mangadex.org/api/"

const (
	kindChapter = "chapter"
	kindManga   = "manga"
)

// Client fetches metadata through a shared transport. Each lookup holds a
// governor lease for the API origin, so metadata requests count against the
// same thresholds as page downloads.
type Client struct {
	base      *url.URL
	origin    download.Origin
	transport download.Transport
	governor  *governor.Governor
	logger    *zap.Logger
}

// New builds a Client. gov may be nil, in which case lookups are not
// admission controlled.
func New(baseURL string, transport download.Transport, gov *governor.Governor, logger *zap.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("mangadex: transport is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	origin, err := download.OriginOf(base.String())
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:      base,
		origin:    origin,
		transport: transport,
		governor:  gov,
		logger:    logger,
	}, nil
}

// BaseURL returns the API base relative page servers resolve against.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Chapter looks up one chapter.
func (c *Client) Chapter(ctx context.Context, id int) (Chapter, error) {
	var ch Chapter
	if err := c.get(ctx, id, kindChapter, &ch); err != nil {
		return Chapter{}, err
	}
	if ch.ID == 0 {
		ch.ID = id
	}
	return ch, nil
}

// Title looks up a title's chapter index.
func (c *Client) Title(ctx context.Context, id int) (Title, error) {
	var t Title
	if err := c.get(ctx, id, kindManga, &t); err != nil {
		return Title{}, err
	}
	return t, nil
}

func (c *Client) endpoint(id int, kind string) string {
	u := *c.base
	q := url.Values{}
	q.Set("id", strconv.Itoa(id))
	q.Set("server", "null")
	q.Set("type", kind)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) get(ctx context.Context, id int, kind string, out any) error {
	locator := c.endpoint(id, kind)
	if c.governor != nil {
		lease, err := c.governor.Acquire(ctx, c.origin)
		if err != nil {
			return fmt.Errorf("%s %d: %w", kind, id, err)
		}
		defer lease.Release()
	}
	body, err := c.transport.Fetch(ctx, locator)
	if err != nil {
		return fmt.Errorf("%s %d: %w", kind, id, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %d: decode: %w: %w", kind, id, download.ErrMalformed, err)
	}
	c.logger.Debug("metadata fetched", zap.String("type", kind), zap.Int("id", id), zap.Int("bytes", len(body)))
	return nil
}
