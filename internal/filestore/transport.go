package filestore

import (
	"crypto/tls"
	"net/http"
)

// ConfigureTransport applies the link's transport rules to tr:
// requests go through Proxy when one is configured and directly otherwise
// (proxy environment variables are ignored), and static-credential links
// never keep idle connections around for reuse.
func (c *Config) ConfigureTransport(tr *http.Transport) {
	tr.Proxy = nil
	if c.Proxy != nil {
		tr.Proxy = http.ProxyURL(c.Proxy)
	}
	if c.HasStaticCredentials() {
		tr.DisableKeepAlives = true
		tr.MaxIdleConnsPerHost = -1
	}
	if tr.TLSClientConfig == nil {
		tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
}
