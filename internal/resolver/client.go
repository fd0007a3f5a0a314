package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dreamware/meridian/internal/cluster"
	"github.com/dreamware/meridian/internal/processing"
)

// Binary payload encodings understood by Client.
const (
	// TransferEncodingHeader announces a base64 body.
	TransferEncodingHeader = "Content-Transfer-Encoding"
	// FormatBase64 is the format query value requesting a base64 body.
	FormatBase64 = "base64"
	// FormatRaw is the format query value requesting an octet-stream body.
	FormatRaw = "raw"
)

// Client calls the REST API of other Meridian nodes. Every request carries
// cluster.ForwardedHeader.
type Client struct {
	http *http.Client
}

// NewClient returns a Client using hc, or http.DefaultClient when hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{http: hc}
}

// ResourcePath returns the API path of a resource, with suffix appended.
func ResourcePath(id string, suffix string) string {
	return "/api/v1/Resource/" + url.PathEscape(id) + suffix
}

// GeometryPath returns the API path of a geometry content key.
func GeometryPath(key string) string {
	return "/api/v1/Geometry/" + url.PathEscape(key)
}

// Metadata fetches resource metadata from host.
func (c *Client) Metadata(ctx context.Context, host, id string) (processing.Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, cluster.MetadataTimeout)
	defer cancel()

	var md processing.Metadata
	err := c.doJSON(ctx, http.MethodGet, host+ResourcePath(id, ""), nil, &md)
	return md, err
}

// Tile fetches a tile from host.
func (c *Client) Tile(ctx context.Context, host, id, root string, depth int) ([]byte, error) {
	q := url.Values{}
	q.Set("root", root)
	q.Set("depth", strconv.Itoa(depth))
	return c.binary(ctx, host+ResourcePath(id, "/Tile")+"?"+q.Encode())
}

// TileWhere runs a filtered tile query on host.
func (c *Client) TileWhere(ctx context.Context, host, id string, tq processing.TileQuery) ([]byte, error) {
	q := url.Values{}
	q.Set("root", tq.Root)
	q.Set("depth", strconv.Itoa(tq.Depth))
	q.Set("field", tq.Field)
	q.Set("min", strconv.FormatFloat(tq.Min, 'g', -1, 64))
	q.Set("max", strconv.FormatFloat(tq.Max, 'g', -1, 64))
	q.Set("format", FormatRaw)
	return c.binary(ctx, host+ResourcePath(id, "/Tile/Where")+"?"+q.Encode())
}

// Cell fetches a cell value from host.
func (c *Client) Cell(ctx context.Context, host, id, cell, field string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, cluster.MetadataTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("cell", cell)
	if field != "" {
		q.Set("field", field)
	}
	var v json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, host+ResourcePath(id, "/Cell")+"?"+q.Encode(), nil, &v)
	return v, err
}

// Geometry fetches a stored geometry from host.
func (c *Client) Geometry(ctx context.Context, host, key string) (processing.Geometry, error) {
	ctx, cancel := context.WithTimeout(ctx, cluster.MetadataTimeout)
	defer cancel()

	var g processing.Geometry
	err := c.doJSON(ctx, http.MethodGet, host+GeometryPath(key), nil, &g)
	return g, err
}

// PutGeometry forwards a geometry to its owner under key.
func (c *Client) PutGeometry(ctx context.Context, host, key string, g processing.Geometry) error {
	ctx, cancel := context.WithTimeout(ctx, cluster.MetadataTimeout)
	defer cancel()

	return c.doJSON(ctx, http.MethodPut, host+GeometryPath(key), g, nil)
}

func (c *Client) binary(ctx context.Context, u string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, cluster.BulkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(cluster.ForwardedHeader, "1")
	body, header, err := cluster.DoBytes(c.http, req)
	if err != nil {
		return nil, err
	}
	return DecodeBinary(body, header)
}

// doJSON sends a JSON request marked as forwarded so the receiving node
// answers from its own state instead of proxying again.
func (c *Client) doJSON(ctx context.Context, method, u string, body, out any) error {
	req, err := cluster.NewJSONRequest(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set(cluster.ForwardedHeader, "1")
	return cluster.Do(c.http, req, out)
}

// DecodeBinary returns the payload of a binary response, decoding it when
// the response announces base64.
func DecodeBinary(body []byte, header http.Header) ([]byte, error) {
	if !strings.EqualFold(header.Get(TransferEncodingHeader), FormatBase64) {
		return body, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(out, []byte(strings.TrimSpace(string(body))))
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return out[:n], nil
}
