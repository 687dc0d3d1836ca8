package httpsource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/html"
)

// list returns the file URLs linked from a directory listing page.
func (c *Client) list(ctx context.Context, listing, include string) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, listing, nil)
	if err != nil {
		return nil, &FetchError{URL: listing, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: listing, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: listing, StatusCode: resp.StatusCode}
	}

	base, err := url.Parse(listing)
	if err != nil {
		return nil, &FetchError{URL: listing, Err: err}
	}
	links, err := parseListing(resp.Body, base, include)
	if err != nil {
		return nil, &FetchError{URL: listing, Err: err}
	}
	slog.InfoContext(ctx, "listing parsed", "url", listing, "files", len(links))
	return links, nil
}

// parseListing extracts data file links from an HTML index page. Links to
// index pages, sort queries, parent or sibling directories and
// subdirectories are skipped, as are names not matching include.
func parseListing(r io.Reader, base *url.URL, include string) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	var links []string
	seen := map[string]bool{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if link, ok := keepLink(base, attr.Val, include); ok && !seen[link] {
					seen[link] = true
					links = append(links, link)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links, nil
}

func keepLink(base *url.URL, href, include string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.Contains(href, "?") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	u := base.ResolveReference(ref)
	u.Fragment = ""

	if u.Host != base.Host || !strings.HasPrefix(u.Path, base.Path) || len(u.Path) == len(base.Path) {
		return "", false
	}
	rest := strings.TrimPrefix(u.Path, base.Path)
	if strings.Contains(rest, "/") {
		return "", false
	}
	name := path.Base(u.Path)
	if strings.EqualFold(name, "index.html") || strings.EqualFold(name, "index.htm") {
		return "", false
	}
	if include != "" {
		if ok, _ := path.Match(include, name); !ok {
			return "", false
		}
	}
	return u.String(), true
}
