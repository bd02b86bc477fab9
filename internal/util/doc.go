// Package util holds small helpers shared across pod-oauth: identifier
// prefixes for logs, URL normalization and IP address scoping for redirect
// URI checks.
package util
