// registry.go - Cluster membership via consul.
// Copyright (C) 2025  SilentRelay authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package registry registers a node with consul so load balancers and
// peers can discover it, and deregisters it first thing on shutdown so
// no new connections land on a draining node.
package registry

import (
	"fmt"
	"net"
	"strconv"

	consul "github.com/hashicorp/consul/api"
	"gopkg.in/op/go-logging.v1"
)

// Registry wraps the consul agent endpoint for one node.
type Registry struct {
	log       *logging.Logger
	client    *consul.Client
	serviceID string
}

// New connects to the consul agent at addr.
func New(log *logging.Logger, addr string) (*Registry, error) {
	cfg := consul.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consul.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: consul client: %w", err)
	}
	return &Registry{log: log, client: client}, nil
}

// Register announces the node under serviceName with a TCP health
// check against its advertise address.
func (r *Registry) Register(serviceName, nodeID, advertiseAddr string) error {
	host, portStr, err := net.SplitHostPort(advertiseAddr)
	if err != nil {
		return fmt.Errorf("registry: bad advertise address %q: %w", advertiseAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("registry: bad advertise port %q: %w", portStr, err)
	}

	r.serviceID = serviceName + "-" + nodeID
	reg := &consul.AgentServiceRegistration{
		ID:      r.serviceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Tags:    []string{"node:" + nodeID},
		Check: &consul.AgentServiceCheck{
			TCP:                            advertiseAddr,
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := r.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	r.log.Noticef("registered as %s", r.serviceID)
	return nil
}

// Deregister removes the node from the catalog.
func (r *Registry) Deregister() error {
	if r.serviceID == "" {
		return nil
	}
	if err := r.client.Agent().ServiceDeregister(r.serviceID); err != nil {
		return fmt.Errorf("registry: deregister: %w", err)
	}
	r.log.Noticef("deregistered %s", r.serviceID)
	return nil
}
