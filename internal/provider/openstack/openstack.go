package openstack

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/provider"
)

// Config holds the settings for the OpenStack provider.
type Config struct {
	AuthURL     string
	Username    string
	Password    string
	TenantName  string
	Zone        string
	ImagePrefix string
	Metadata    map[string]string

	MaxCount      int
	SeleniumPort  int
	CheckPause    time.Duration
	CheckAttempts int
}

// Provider implements provider.Provider against the Nova, Neutron and
// Glance REST APIs.
type Provider struct {
	cfg    Config
	client *client

	netMu       sync.Mutex
	networkID   string
	networkName string
}

var _ provider.Provider = (*Provider)(nil)

// New creates the OpenStack provider.
func New(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg,
		client: newClient(cfg.AuthURL, cfg.Username, cfg.Password, cfg.TenantName),
	}
}

func (p *Provider) Name() string  { return "openstack" }
func (p *Provider) MaxCount() int { return p.cfg.MaxCount }

type imageList struct {
	Images []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		MinRAM   int    `json:"min_ram"`
		MinDisk  int    `json:"min_disk"`
		FlavorID string `json:"instance_type_flavorid"`
	} `json:"images"`
}

type flavorList struct {
	Flavors []struct {
		ID   string `json:"id"`
		RAM  int    `json:"ram"`
		Disk int    `json:"disk"`
	} `json:"flavors"`
}

type serverList struct {
	Servers []server `json:"servers"`
}

type serverResult struct {
	Server server `json:"server"`
}

type server struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	Status    string                       `json:"status"`
	Addresses map[string][]struct {
		Addr string `json:"addr"`
	} `json:"addresses"`
}

// Platforms lists active images whose name carries the configured prefix.
func (p *Provider) Platforms(ctx context.Context) ([]domain.Platform, error) {
	if err := p.client.authenticate(ctx); err != nil {
		return nil, err
	}
	_, _, imageURL := p.client.endpoints()

	var images imageList
	if _, err := p.client.do(ctx, "GET", imageURL+"/v2/images", nil, &images); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	var platforms []domain.Platform
	for _, img := range images.Images {
		if img.Status != "active" {
			continue
		}
		if p.cfg.ImagePrefix != "" && !strings.HasPrefix(img.Name, p.cfg.ImagePrefix) {
			continue
		}
		platforms = append(platforms, domain.Platform{Name: img.Name, Node: p.cfg.Zone})
	}
	return platforms, nil
}

// Create boots a server from the platform's image on the tenant network
// and waits until its Selenium service answers. When the activation wait
// fails but Nova still reports the server up and the service pings, the
// clone is kept; otherwise the caller must Delete it.
func (p *Provider) Create(ctx context.Context, vm *domain.VM) error {
	imageID, flavorID, err := p.imageAndFlavor(ctx, vm.Platform)
	if err != nil {
		return err
	}
	networkID, _, err := p.resolveNetwork(ctx)
	if err != nil {
		return err
	}

	computeURL, _, _ := p.client.endpoints()
	body := map[string]any{
		"server": map[string]any{
			"name":              vm.Name,
			"imageRef":          imageID,
			"flavorRef":         flavorID,
			"availability_zone": p.cfg.Zone,
			"metadata":          p.cfg.Metadata,
			"networks":          []map[string]string{{"uuid": networkID}},
		},
	}
	if _, err := p.client.do(ctx, "POST", computeURL+"/servers", body, nil); err != nil {
		return fmt.Errorf("create server %s: %w", vm.Name, err)
	}

	if err := p.waitActivatedService(ctx, vm); err != nil {
		// The wait can fail transiently while the server itself is
		// fine. Keep the clone only when Nova reports it up and the
		// service answers.
		created, cerr := p.Created(ctx, vm)
		if cerr == nil && created {
			if ip, ierr := p.serverIP(ctx, vm.Name); ierr == nil && ip != "" {
				vm.SetAddress(ip, vm.Mac())
				if provider.Ping(ctx, ip, p.cfg.SeleniumPort, p.cfg.CheckPause) {
					vm.SetReady(true)
					return nil
				}
			}
		}
		return err
	}

	logging.Op().Info("clone created", "provider", "openstack", "name", vm.Name, "ip", vm.IP())
	return nil
}

// Delete removes the server by name. Unknown servers are not an error.
func (p *Provider) Delete(ctx context.Context, vm *domain.VM) error {
	srv, err := p.findServer(ctx, vm.Name)
	if err != nil {
		return err
	}
	if srv == nil {
		return nil
	}

	computeURL, _, _ := p.client.endpoints()
	if code, err := p.client.do(ctx, "DELETE", computeURL+"/servers/"+srv.ID, nil, nil); err != nil {
		if code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete server %s: %w", vm.Name, err)
	}

	vm.SetReady(false)
	logging.Op().Info("clone deleted", "provider", "openstack", "name", vm.Name)
	return nil
}

// Rebuild resets the server to its origin image and waits for the
// service again.
func (p *Provider) Rebuild(ctx context.Context, vm *domain.VM) error {
	vm.SetReady(false)

	srv, err := p.findServer(ctx, vm.Name)
	if err != nil {
		return err
	}
	if srv == nil {
		return fmt.Errorf("rebuild %s: server not found", vm.Name)
	}

	imageID, _, err := p.imageAndFlavor(ctx, vm.Platform)
	if err != nil {
		return err
	}

	computeURL, _, _ := p.client.endpoints()
	body := map[string]any{"rebuild": map[string]string{"imageRef": imageID}}
	if _, err := p.client.do(ctx, "POST", computeURL+"/servers/"+srv.ID+"/action", body, nil); err != nil {
		return fmt.Errorf("rebuild server %s: %w", vm.Name, err)
	}

	if err := p.waitActivatedService(ctx, vm); err != nil {
		return err
	}

	logging.Op().Info("clone rebuilt", "provider", "openstack", "name", vm.Name)
	return nil
}

func (p *Provider) Exists(ctx context.Context, vm *domain.VM) (bool, error) {
	srv, err := p.findServer(ctx, vm.Name)
	if err != nil {
		return false, err
	}
	return srv != nil, nil
}

func (p *Provider) Created(ctx context.Context, vm *domain.VM) (bool, error) {
	srv, err := p.findServer(ctx, vm.Name)
	if err != nil {
		return false, err
	}
	return srv != nil && srv.Status == "ACTIVE", nil
}

// waitActivatedService polls the server until ACTIVE, records its address
// and waits for the Selenium port. Marks the VM ready on success.
func (p *Provider) waitActivatedService(ctx context.Context, vm *domain.VM) error {
	for i := 0; i < p.cfg.CheckAttempts; i++ {
		srv, err := p.findServer(ctx, vm.Name)
		if err == nil && srv != nil {
			switch srv.Status {
			case "ACTIVE":
				ip := firstAddress(srv)
				if ip != "" {
					vm.SetAddress(ip, vm.Mac())
					if err := provider.WaitService(ctx, ip, p.cfg.SeleniumPort, p.cfg.CheckPause, p.cfg.CheckAttempts); err != nil {
						return err
					}
					vm.SetReady(true)
					return nil
				}
			case "ERROR":
				return fmt.Errorf("server %s entered ERROR state", vm.Name)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.CheckPause):
		}
	}
	return fmt.Errorf("server %s did not activate after %d attempts", vm.Name, p.cfg.CheckAttempts)
}

func (p *Provider) findServer(ctx context.Context, name string) (*server, error) {
	computeURL, _, _ := p.client.endpoints()
	if computeURL == "" {
		if err := p.client.authenticate(ctx); err != nil {
			return nil, err
		}
		computeURL, _, _ = p.client.endpoints()
	}

	var servers serverList
	if _, err := p.client.do(ctx, "GET", computeURL+"/servers/detail?name="+name, nil, &servers); err != nil {
		return nil, fmt.Errorf("find server %s: %w", name, err)
	}
	for i := range servers.Servers {
		if servers.Servers[i].Name == name {
			return &servers.Servers[i], nil
		}
	}
	return nil, nil
}

func (p *Provider) serverIP(ctx context.Context, name string) (string, error) {
	srv, err := p.findServer(ctx, name)
	if err != nil {
		return "", err
	}
	if srv == nil {
		return "", fmt.Errorf("server %s not found", name)
	}
	return firstAddress(srv), nil
}

// firstAddress prefers the resolved tenant network, falling back to any
// address the server reports.
func firstAddress(srv *server) string {
	for _, addrs := range srv.Addresses {
		if len(addrs) > 0 {
			return addrs[0].Addr
		}
	}
	return ""
}

// imageAndFlavor resolves the platform image id and a flavor for it: the
// image's pinned flavor when set, otherwise the smallest flavor
// satisfying its minimums.
func (p *Provider) imageAndFlavor(ctx context.Context, platform string) (imageID, flavorID string, err error) {
	if err := p.client.authenticate(ctx); err != nil {
		return "", "", err
	}
	computeURL, _, imageURL := p.client.endpoints()

	var images imageList
	if _, err := p.client.do(ctx, "GET", imageURL+"/v2/images", nil, &images); err != nil {
		return "", "", fmt.Errorf("list images: %w", err)
	}

	var minRAM, minDisk int
	for _, img := range images.Images {
		if img.Name == platform {
			imageID = img.ID
			flavorID = img.FlavorID
			minRAM, minDisk = img.MinRAM, img.MinDisk
			break
		}
	}
	if imageID == "" {
		return "", "", fmt.Errorf("image for platform %q not found", platform)
	}
	if flavorID != "" {
		return imageID, flavorID, nil
	}

	var flavors flavorList
	if _, err := p.client.do(ctx, "GET", computeURL+"/flavors/detail", nil, &flavors); err != nil {
		return "", "", fmt.Errorf("list flavors: %w", err)
	}
	bestRAM := -1
	for _, f := range flavors.Flavors {
		if f.RAM >= minRAM && f.Disk >= minDisk {
			if bestRAM == -1 || f.RAM < bestRAM {
				flavorID = f.ID
				bestRAM = f.RAM
			}
		}
	}
	if flavorID == "" {
		return "", "", fmt.Errorf("no flavor fits image %q", platform)
	}
	return imageID, flavorID, nil
}
