// Package testutil provides testing utilities for txkeeper.
//
// This package contains test fixtures and receipt builders shared across
// tests in the txkeeper package.
//
// # Important Note on Import Cycles
//
// Mock implementations (mockChainReader, mockSigner, mockPublisher, etc.)
// are kept in the txkeeper package's test files (mocks_test.go) to avoid
// import cycles. This package only contains utilities that don't depend on
// txkeeper types.
package testutil
