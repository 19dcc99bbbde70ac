package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ValentinKolb/mucore/lib/core"
	"github.com/ValentinKolb/mucore/lib/mapserver"
	"github.com/ValentinKolb/mucore/lib/persistence"
)

// AdminClient reads the runtime endpoints of an admin server
type AdminClient struct {
	baseURL    *url.URL
	client     *http.Client
	retryCount int
}

// NewAdminClient creates a client for the admin server at endpoint
// ("host:port" or a full http URL)
func NewAdminClient(endpoint string, timeout time.Duration, retryCount int) (*AdminClient, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if retryCount < 1 {
		retryCount = 1
	}

	return &AdminClient{
		baseURL: parsedURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     timeout,
			},
		},
		retryCount: retryCount,
	}, nil
}

// Stats fetches the runtime overview
func (c *AdminClient) Stats() (core.RuntimeStats, error) {
	var out core.RuntimeStats
	return out, c.get(PathStats, &out)
}

// Maps fetches the stats of every map server
func (c *AdminClient) Maps() ([]mapserver.Stats, error) {
	var out []mapserver.Stats
	return out, c.get(PathMaps, &out)
}

// Persistence fetches the persistence pipeline counters
func (c *AdminClient) Persistence() (persistence.Metrics, error) {
	var out persistence.Metrics
	return out, c.get(PathPersistence, &out)
}

// Close releases idle connections
func (c *AdminClient) Close() {
	c.client.CloseIdleConnections()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *AdminClient) get(path string, out any) error {
	requestURL := c.baseURL.JoinPath(path).String()

	// Send the request (with retries)
	var (
		httpResponse *http.Response
		err          error
	)
	for i := 0; i < c.retryCount; i++ {
		httpResponse, err = c.client.Get(requestURL)
		if err == nil {
			break
		}
		Logger.Debugf("GET %s attempt %d/%d failed: %v", path, i+1, c.retryCount, err)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := httpResponse.Body.Close(); err != nil {
			Logger.Errorf("Failed to close response body: %v", err)
		}
	}()

	// Check if the response status code is OK
	if httpResponse.StatusCode != http.StatusOK {
		return fmt.Errorf("http error: %s", httpResponse.Status)
	}

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
