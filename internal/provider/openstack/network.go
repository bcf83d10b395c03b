package openstack

import (
	"context"
	"fmt"
	"net"
)

// localCIDRs lists the IPv4 networks of the host's non-loopback
// interfaces. The tenant network is the one whose subnet contains us.
func localCIDRs() ([]*net.IPNet, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var nets []*net.IPNet
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

type subnetList struct {
	Subnets []struct {
		CIDR      string `json:"cidr"`
		NetworkID string `json:"network_id"`
	} `json:"subnets"`
}

type networkList struct {
	Networks []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"networks"`
}

// resolveNetwork finds the tenant network by matching the caller's local
// CIDRs against the Neutron subnet list, then resolves its name by id.
// The result is cached on the provider.
func (p *Provider) resolveNetwork(ctx context.Context) (id, name string, err error) {
	p.netMu.Lock()
	defer p.netMu.Unlock()

	if p.networkID != "" {
		return p.networkID, p.networkName, nil
	}

	_, networkURL, _ := p.client.endpoints()
	if networkURL == "" {
		if err := p.client.authenticate(ctx); err != nil {
			return "", "", err
		}
		_, networkURL, _ = p.client.endpoints()
	}

	local, err := localCIDRs()
	if err != nil {
		return "", "", fmt.Errorf("list local addresses: %w", err)
	}

	var subnets subnetList
	if _, err := p.client.do(ctx, "GET", networkURL+"/v2.0/subnets", nil, &subnets); err != nil {
		return "", "", fmt.Errorf("list subnets: %w", err)
	}

	for _, subnet := range subnets.Subnets {
		_, cidr, err := net.ParseCIDR(subnet.CIDR)
		if err != nil {
			continue
		}
		for _, l := range local {
			if cidr.Contains(l.IP) {
				id = subnet.NetworkID
				break
			}
		}
		if id != "" {
			break
		}
	}
	if id == "" {
		return "", "", fmt.Errorf("no subnet matches local addresses")
	}

	var networks networkList
	if _, err := p.client.do(ctx, "GET", networkURL+"/v2.0/networks?id="+id, nil, &networks); err != nil {
		return "", "", fmt.Errorf("list networks: %w", err)
	}
	if len(networks.Networks) == 0 {
		return "", "", fmt.Errorf("network %s not found", id)
	}

	p.networkID = id
	p.networkName = networks.Networks[0].Name
	return p.networkID, p.networkName, nil
}
