package report

import (
	"slices"
	"time"

	"github.com/nao1215/onionhost/internal/bootstrap"
	"github.com/nao1215/onionhost/internal/tor"
)

// Status is the view of a successful bootstrap.
type Status struct {
	OnionAddress  string   `json:"onion_address"`
	VirtualPort   uint16   `json:"virtual_port"`
	PublicAddress string   `json:"public_address"`
	SocksAddr     string   `json:"socks_addr"`
	ControlAddr   string   `json:"control_addr"`
	PID           int      `json:"pid"`
	DataDir       string   `json:"data_dir"`
	Steps         []string `json:"steps"`

	// Check is set when the verify step ran.
	Check *ProxyCheck `json:"check,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// NewStatus builds the view of result.
func NewStatus(result *bootstrap.Result) *Status {
	s := &Status{
		OnionAddress:  result.OnionAddress,
		VirtualPort:   result.VirtualPort,
		PublicAddress: result.PublicAddress(),
		SocksAddr:     result.SocksAddr.String(),
		ControlAddr:   result.ControlAddr.String(),
		Steps:         result.Steps,
		GeneratedAt:   time.Now(),
	}
	if result.Process != nil {
		s.PID = result.Process.PID()
		s.DataDir = result.Process.DataDir()
	}
	if slices.Contains(result.Steps, bootstrap.StepVerify) {
		s.Check = NewProxyCheck(s.SocksAddr, result.ProxyStatus, result.Fetch)
	}
	return s
}

// ProxyCheck is the view of a SOCKS listener verification.
type ProxyCheck struct {
	SocksAddr string `json:"socks_addr"`
	Status    string `json:"status"`
	OK        bool   `json:"ok"`

	FetchURL     string        `json:"fetch_url,omitempty"`
	FetchStatus  int           `json:"fetch_status,omitempty"`
	FetchElapsed time.Duration `json:"fetch_elapsed_ns,omitempty"`
	FetchError   string        `json:"fetch_error,omitempty"`
}

// NewProxyCheck builds the view of a proxy classification and an optional fetch.
func NewProxyCheck(socksAddr string, status tor.ProxyStatus, fetch *tor.FetchResult) *ProxyCheck {
	c := &ProxyCheck{
		SocksAddr: socksAddr,
		Status:    status.String(),
		OK:        status == tor.ProxyStatusOK,
	}
	if fetch != nil {
		c.FetchURL = fetch.URL
		c.FetchStatus = fetch.StatusCode
		c.FetchElapsed = fetch.Elapsed
	}
	return c
}
