// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"slices"

	"github.com/bureau-foundation/realm/lib/decl"
)

// Framework capability names.
const (
	FrameworkRealm        = "realm.Realm"
	FrameworkBinder       = "realm.Binder"
	FrameworkIntrospector = "realm.Introspector"
	FrameworkLifecycle    = "realm.Lifecycle"
	FrameworkDiagnostics  = "diagnostics"
)

var frameworkCapabilities = []decl.CapabilityDecl{
	{Kind: decl.KindProtocol, Name: FrameworkRealm, Path: "/svc/" + FrameworkRealm},
	{Kind: decl.KindProtocol, Name: FrameworkBinder, Path: "/svc/" + FrameworkBinder},
	{Kind: decl.KindProtocol, Name: FrameworkIntrospector, Path: "/svc/" + FrameworkIntrospector},
	{Kind: decl.KindProtocol, Name: FrameworkLifecycle, Path: "/svc/" + FrameworkLifecycle},
	{Kind: decl.KindDirectory, Name: FrameworkDiagnostics, Path: "/diagnostics"},
}

// FrameworkCapabilities returns the capabilities the runtime provides
// to every instance with source framework.
func FrameworkCapabilities() []decl.CapabilityDecl {
	return slices.Clone(frameworkCapabilities)
}

func findFramework(kind decl.Kind, name string) (decl.CapabilityDecl, bool) {
	for _, capability := range frameworkCapabilities {
		if capability.Kind == kind && capability.Name == name {
			return capability, true
		}
	}
	return decl.CapabilityDecl{}, false
}
