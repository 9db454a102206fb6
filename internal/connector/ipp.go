package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	goipp "github.com/OpenPrinting/goipp"

	"labelhub/internal/sgd"
)

type ippConnector struct{}

func init() {
	Register(ippConnector{})
}

func (ippConnector) Schemes() []string {
	return []string{"ipp", "ipps"}
}

func (ippConnector) Connect(ctx context.Context, uri string) (Handle, error) {
	target, err := ippHTTPURL(uri)
	if err != nil {
		return nil, WrapPermanent("connect", uri, err)
	}
	h := &ippHandle{
		uri:    uri,
		target: target,
		client: &http.Client{Transport: ippTransport(uri), Timeout: writeTimeout},
	}
	// IPP is stateless; connecting means proving the endpoint answers.
	if _, err := h.attributes(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

type ippHandle struct {
	uri    string
	target string
	client *http.Client
	reqID  uint32
}

func (h *ippHandle) URI() string { return h.uri }

func (h *ippHandle) nextID() uint32 {
	return atomic.AddUint32(&h.reqID, 1)
}

func (h *ippHandle) Write(ctx context.Context, p []byte) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpPrintJob, h.nextID())
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(h.uri)))
	req.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String("labelhub")))
	req.Operation.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("label")))
	req.Operation.Add(goipp.MakeAttribute("document-format", goipp.TagMimeType, goipp.String("application/octet-stream")))

	payload, err := req.EncodeBytes()
	if err != nil {
		return WrapPermanent("write", h.uri, err)
	}
	body := io.MultiReader(bytes.NewReader(payload), bytes.NewReader(p))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.target, body)
	if err != nil {
		return WrapPermanent("write", h.uri, err)
	}
	httpReq.Header.Set("Content-Type", goipp.ContentType)
	httpReq.Header.Set("Accept", goipp.ContentType)

	resp, err := h.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return Classify("write", h.uri, err)
	}
	if resp.StatusCode/100 != 2 {
		return WrapTemporary("write", h.uri, fmt.Errorf("%s", resp.Status))
	}
	ippResp := &goipp.Message{}
	if err := ippResp.Decode(resp.Body); err != nil {
		return WrapTemporary("write", h.uri, err)
	}
	if status := goipp.Status(ippResp.Code); status >= goipp.StatusRedirectionOtherSite {
		return WrapTemporary("write", h.uri, fmt.Errorf("%s", status))
	}
	return nil
}

// SendCommand has no IPP mapping; control traffic to IPP-only endpoints is
// not expressible as a job submission.
func (h *ippHandle) SendCommand(ctx context.Context, cmd []byte) error {
	return WrapUnsupported("command", h.uri, nil)
}

// ReadProperty answers the probe variables from Get-Printer-Attributes so an
// IPP endpoint can be health-checked like a raw socket one.
func (h *ippHandle) ReadProperty(ctx context.Context, name string) (string, error) {
	attrs, err := h.attributes(ctx)
	if err != nil {
		return "", err
	}
	switch name {
	case sgd.VarMediaStatus:
		if attrs.hasReason("media-empty") || attrs.hasReason("media-needed") {
			return "out", nil
		}
		return "ready", nil
	case sgd.VarHeadLatch:
		if attrs.hasReason("cover-open") || attrs.hasReason("door-open") {
			return "open", nil
		}
		return "ok", nil
	case sgd.VarPause:
		if attrs.state == 5 && attrs.hasReason("paused") {
			return "yes", nil
		}
		return "no", nil
	case sgd.VarLanguages:
		return sgd.LanguageZPL, nil
	case sgd.VarFriendlyName:
		return attrs.makeModel, nil
	}
	return "", WrapUnsupported("readprop", h.uri, fmt.Errorf("no ipp mapping for %s", name))
}

func (h *ippHandle) Alive() bool {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	_, err := h.attributes(ctx)
	return err == nil
}

func (h *ippHandle) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

type ippAttrs struct {
	state     int
	reasons   []string
	accepting bool
	makeModel string
}

func (a *ippAttrs) hasReason(prefix string) bool {
	for _, r := range a.reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

func (h *ippHandle) attributes(ctx context.Context) (*ippAttrs, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, h.nextID())
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(h.uri)))
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword,
		goipp.String("printer-state"),
		goipp.String("printer-state-reasons"),
		goipp.String("printer-is-accepting-jobs"),
		goipp.String("printer-make-and-model")))

	payload, err := req.EncodeBytes()
	if err != nil {
		return nil, WrapPermanent("attributes", h.uri, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.target, bytes.NewReader(payload))
	if err != nil {
		return nil, WrapPermanent("attributes", h.uri, err)
	}
	httpReq.Header.Set("Content-Type", goipp.ContentType)
	httpReq.Header.Set("Accept", goipp.ContentType)

	resp, err := h.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, Classify("attributes", h.uri, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, WrapTemporary("attributes", h.uri, fmt.Errorf("%s", resp.Status))
	}
	msg := &goipp.Message{}
	if err := msg.Decode(resp.Body); err != nil {
		return nil, WrapTemporary("attributes", h.uri, err)
	}
	out := &ippAttrs{}
	for _, attr := range msg.Printer {
		switch attr.Name {
		case "printer-state":
			if len(attr.Values) > 0 {
				if v, ok := attr.Values[0].V.(goipp.Integer); ok {
					out.state = int(v)
				}
			}
		case "printer-state-reasons":
			for _, v := range attr.Values {
				out.reasons = append(out.reasons, strings.TrimSpace(v.V.String()))
			}
		case "printer-is-accepting-jobs":
			if len(attr.Values) > 0 {
				if v, ok := attr.Values[0].V.(goipp.Boolean); ok {
					out.accepting = bool(v)
				}
			}
		case "printer-make-and-model":
			if len(attr.Values) > 0 {
				out.makeModel = attr.Values[0].V.String()
			}
		}
	}
	return out, nil
}

func ippHTTPURL(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ipp":
		u.Scheme = "http"
	case "ipps":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("not an ipp uri: %s", uri)
	}
	u.Host = ensureHostPort(u.Host, DefaultPortIPP)
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func ippTransport(uri string) *http.Transport {
	u, _ := url.Parse(uri)
	insecure := strings.ToLower(os.Getenv("LABELHUB_IPP_INSECURE"))
	skipVerify := insecure == "1" || insecure == "true" || insecure == "yes" || insecure == "on"
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if u != nil && strings.EqualFold(u.Scheme, "ipps") && skipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return &http.Transport{
		TLSClientConfig:       tlsConfig,
		ResponseHeaderTimeout: 10 * time.Second,
	}
}
