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

//go:build !linux

package common

import (
	"github.com/Psiphon-Labs/udp-tunnel-core/udptun/common/errors"
)

func HasNetAdminCapability() (bool, error) {
	return false, errors.TraceNew("operation is not supported")
}

func ConfigureNetworkConfigSubprocessCapabilities() error {
	return errors.TraceNew("operation is not supported")
}
