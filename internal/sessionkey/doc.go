// Package sessionkey maps raw channel identities onto canonical session keys
// and classifies keys by conversation scope.
package sessionkey
