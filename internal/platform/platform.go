// Copyright 2024 FleetBeacon LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package platform reports facts about the host the agent runs on. They
// end up in startup diagnostics and as resource attributes on self metrics.
package platform

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/host"
)

type Platform struct {
	HostInfo *host.InfoStat
}

type platformKeyType struct{}

// platformKey is a Context key for overriding the detected platform in tests.
var platformKey = platformKeyType{}

func (p Platform) TestContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, platformKey, p)
}

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

func FromContext(ctx context.Context) Platform {
	if opt := ctx.Value(platformKey); opt != nil {
		return opt.(Platform)
	}
	detectOnce.Do(func() {
		info, err := host.Info()
		if err != nil {
			// Detection is best-effort; diagnostics cope with an
			// empty InfoStat.
			info = &host.InfoStat{}
		}
		detectedPlatform = Platform{HostInfo: info}
	})
	return detectedPlatform
}

func (p Platform) Hostname() string {
	if p.HostInfo == nil {
		return ""
	}
	return p.HostInfo.Hostname
}

func (p Platform) OS() string {
	if p.HostInfo == nil {
		return ""
	}
	return p.HostInfo.OS
}

func (p Platform) KernelVersion() string {
	if p.HostInfo == nil {
		return ""
	}
	return p.HostInfo.KernelVersion
}
