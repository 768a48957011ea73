// SPDX-License-Identifier: MPL-2.0

// Package platform resolves the host operating system, CPU architecture,
// and native package manager family into a single immutable Target value.
// Detection happens once at startup; every later pipeline stage branches
// on the Target instead of re-probing the host.
package platform
