// Package netutil picks listen addresses for the bridge.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// SelectBindAddr returns host:port if it can be listened on. Otherwise, when
// autoFallback is set, it returns the first free host:candidate.
func SelectBindAddr(host string, port int, candidates []int, autoFallback bool) (string, error) {
	if port > 0 {
		addr := JoinHostPort(host, port)
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
		if !autoFallback {
			return "", fmt.Errorf("bind address in use: %s", addr)
		}
	}

	for _, p := range candidates {
		addr := JoinHostPort(host, p)
		ok, err := IsAddrAvailable(addr)
		if err != nil {
			return "", err
		}
		if ok {
			return addr, nil
		}
	}

	return "", errors.New("no available bridge bind addresses")
}

func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IsAddrAvailable reports whether addr can be listened on.
func IsAddrAvailable(addr string) (bool, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	if closeErr := ln.Close(); closeErr != nil {
		return false, closeErr
	}
	return true, nil
}

// IsLoopbackHost reports whether host only reaches this machine. The bridge
// drives a live browser, so binding anywhere else is logged loudly.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
