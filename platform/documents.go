package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Silo addresses a document silo of a platform app. The front end passes
// both parts as the app_id and silo_id query parameters.
type Silo struct {
	AppID  int
	SiloID string
}

// Valid reports whether both parts are set. Calls on an invalid silo are
// skipped by the callers rather than sent.
func (s Silo) Valid() bool {
	return s.AppID != 0 && s.SiloID != ""
}

func (s Silo) String() string {
	return fmt.Sprintf("%d/%s", s.AppID, s.SiloID)
}

// Document is one entry of a silo as returned by a search.
type Document struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Query is a semantic search over a silo.
type Query struct {
	Text   string            `json:"query"`
	K      int               `json:"k"`
	Filter map[string]string `json:"filter_metadata,omitempty"`
}

func (c *Client) docsURL(s Silo, action string) string {
	return c.endpoint(fmt.Sprintf("public/v1/app/%d/silos/silos/%s/docs/%s", s.AppID, url.PathEscape(s.SiloID), action))
}

// IndexDocument stores content with metadata in the silo and returns the id
// the platform assigned to it.
func (c *Client) IndexDocument(ctx context.Context, s Silo, content string, metadata map[string]any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	in := struct {
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata"`
	}{content, metadata}
	if err := c.doJSON(ctx, http.MethodPost, c.docsURL(s, "index"), in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("agent platform did not return a document id")
	}
	return out.ID, nil
}

// DeleteDocuments removes documents by platform id.
func (c *Client) DeleteDocuments(ctx context.Context, s Silo, ids ...string) error {
	in := struct {
		IDs []string `json:"ids"`
	}{ids}
	return c.doJSON(ctx, http.MethodDelete, c.docsURL(s, "delete"), in, nil)
}

// DeleteByMetadata removes every document whose metadata matches filter.
func (c *Client) DeleteByMetadata(ctx context.Context, s Silo, filter map[string]string) error {
	in := struct {
		Filter map[string]string `json:"filter_metadata"`
	}{filter}
	return c.doJSON(ctx, http.MethodDelete, c.docsURL(s, "delete-by-metadata"), in, nil)
}

// FindDocuments runs a semantic search and returns the matches in platform
// order.
func (c *Client) FindDocuments(ctx context.Context, s Silo, q Query) ([]Document, error) {
	var out struct {
		Docs []Document `json:"docs"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.docsURL(s, "find"), q, &out); err != nil {
		return nil, err
	}
	return out.Docs, nil
}

// IndexFile uploads a PDF as a multipart form with its metadata JSON
// encoded in the "metadata" field.
func (c *Client) IndexFile(ctx context.Context, s Silo, filename string, content io.Reader, metadata map[string]string) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(filename)))
	hdr.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	_, err = c.do(ctx, http.MethodPost, c.docsURL(s, "index-file"), &body, mw.FormDataContentType())
	return err
}
