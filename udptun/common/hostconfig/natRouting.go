/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package hostconfig

import (
	"net/netip"
	"strings"
	"sync"

	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common"
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
)

// IPTables is the subset of github.com/coreos/go-iptables used to manage
// rules. *iptables.IPTables satisfies this interface.
type IPTables interface {
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

// RouteTable adds and removes device routes.
type RouteTable interface {
	AddRoute(network netip.Prefix, device string) error
	DeleteRoute(network netip.Prefix, device string) error
}

type natRule struct {
	table    string
	chain    string
	rulespec []string
	active   bool
}

func (rule *natRule) String() string {
	return rule.table + " " + rule.chain + " " + strings.Join(rule.rulespec, " ")
}

// makeNATRules returns, in apply order: masquerade of the private network
// out the public interface, and forward acceptance in each direction
// between the tun and public interfaces.
func makeNATRules(
	publicInterface, tunInterface string, privateNetwork netip.Prefix) []*natRule {

	return []*natRule{
		{
			table: "nat",
			chain: "POSTROUTING",
			rulespec: []string{
				"-s", privateNetwork.String(),
				"-o", publicInterface,
				"-j", "MASQUERADE"},
		},
		{
			table: "filter",
			chain: "FORWARD",
			rulespec: []string{
				"-i", tunInterface,
				"-o", publicInterface,
				"-j", "ACCEPT"},
		},
		{
			table: "filter",
			chain: "FORWARD",
			rulespec: []string{
				"-i", publicInterface,
				"-o", tunInterface,
				"-j", "ACCEPT"},
		},
	}
}

// NATRouting routes a private network to a tun interface and NATs it out a
// public interface.
type NATRouting struct {
	logger   common.Logger
	iptables IPTables
	routes   RouteTable

	mutex        sync.Mutex
	routeNetwork netip.Prefix
	routeDevice  string
	routeActive  bool
	rules        []*natRule
}

// NewNATRouting creates a NATRouting which applies rules with iptables and
// routes with routes.
func NewNATRouting(
	logger common.Logger, iptables IPTables, routes RouteTable) *NATRouting {

	return &NATRouting{
		logger:   logger,
		iptables: iptables,
		routes:   routes,
	}
}

// Apply adds the private network route via tunInterface and then appends
// the NAT rules in order. When a rule fails, the rules appended by this
// call are deleted in reverse order and the route is removed before the
// error is returned; no partial state remains.
func (n *NATRouting) Apply(
	publicInterface, tunInterface string, privateNetwork netip.Prefix) error {

	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.routeActive || len(n.rules) > 0 {
		return errors.TraceNew("already applied")
	}

	privateNetwork = privateNetwork.Masked()

	err := n.routes.AddRoute(privateNetwork, tunInterface)
	if err != nil {
		return errors.TraceMsg(err, "add route failed")
	}

	n.routeNetwork = privateNetwork
	n.routeDevice = tunInterface
	n.routeActive = true

	n.logger.WithTraceFields(common.LogFields{
		"network": privateNetwork.String(),
		"device":  tunInterface,
	}).Info("route added")

	rules := makeNATRules(publicInterface, tunInterface, privateNetwork)

	for _, rule := range rules {

		err := n.iptables.Append(rule.table, rule.chain, rule.rulespec...)
		if err != nil {

			n.logger.WithTraceFields(common.LogFields{
				"rule":  rule.String(),
				"error": err,
			}).Warning("append rule failed, rolling back")

			// Rules that fail to delete stay recorded for Revert.
			n.deleteRules(rules)
			n.rules = rules
			n.deleteRoute()

			return errors.TraceMsg(err, "append rule failed")
		}

		rule.active = true

		n.logger.WithTraceFields(common.LogFields{
			"rule": rule.String(),
		}).Info("rule appended")
	}

	n.rules = rules

	return nil
}

// Revert deletes all active rules, in reverse order, and the route. Revert
// attempts every step even when one fails, and returns the first error.
func (n *NATRouting) Revert() error {

	n.mutex.Lock()
	defer n.mutex.Unlock()

	err := n.deleteRules(n.rules)

	var remaining []*natRule
	for _, rule := range n.rules {
		if rule.active {
			remaining = append(remaining, rule)
		}
	}
	n.rules = remaining

	routeErr := n.deleteRoute()
	if err == nil {
		err = routeErr
	}

	return errors.Trace(err)
}

// ActiveRuleCount returns the number of rules currently applied.
func (n *NATRouting) ActiveRuleCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	count := 0
	for _, rule := range n.rules {
		if rule.active {
			count++
		}
	}
	return count
}

func (n *NATRouting) deleteRules(rules []*natRule) error {

	var firstErr error

	for i := len(rules) - 1; i >= 0; i-- {

		rule := rules[i]
		if !rule.active {
			continue
		}

		err := n.iptables.Delete(rule.table, rule.chain, rule.rulespec...)
		if err != nil {
			n.logger.WithTraceFields(common.LogFields{
				"rule":  rule.String(),
				"error": err,
			}).Warning("delete rule failed")
			if firstErr == nil {
				firstErr = errors.Trace(err)
			}
			continue
		}

		rule.active = false

		n.logger.WithTraceFields(common.LogFields{
			"rule": rule.String(),
		}).Info("rule deleted")
	}

	return firstErr
}

func (n *NATRouting) deleteRoute() error {

	if !n.routeActive {
		return nil
	}

	err := n.routes.DeleteRoute(n.routeNetwork, n.routeDevice)
	if err != nil {
		n.logger.WithTraceFields(common.LogFields{
			"network": n.routeNetwork.String(),
			"device":  n.routeDevice,
			"error":   err,
		}).Warning("delete route failed")
		return errors.Trace(err)
	}

	n.routeActive = false

	n.logger.WithTraceFields(common.LogFields{
		"network": n.routeNetwork.String(),
		"device":  n.routeDevice,
	}).Info("route deleted")

	return nil
}
