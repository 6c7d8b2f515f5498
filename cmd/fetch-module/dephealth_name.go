package main

import (
	"os"
	"strings"

	"github.com/bigkaa/goartstore/fetch-module/internal/config"
)

// dephealthName — имя вершины графа зависимостей: владелец пода,
// вне Kubernetes — имя сервиса.
func dephealthName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return config.ServiceName
	}
	return parseOwnerName(hostname)
}

// parseOwnerName извлекает имя владельца пода из hostname.
// Deployment: {name}-{replicaset-hash}-{pod-hash} → name.
// StatefulSet: {name}-{ordinal} → name.
// Иначе hostname возвращается как есть.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	if n >= 3 && isPodHash(parts[n-1]) && isReplicaSetHash(parts[n-2]) {
		return strings.Join(parts[:n-2], "-")
	}
	if n >= 2 && isOrdinal(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	return hostname
}

// isPodHash — суффикс пода Deployment: 5 символов [a-z0-9].
func isPodHash(s string) bool {
	return len(s) == 5 && isLowerAlnum(s)
}

// isReplicaSetHash — хэш ReplicaSet: 6–10 символов [a-z0-9].
func isReplicaSetHash(s string) bool {
	return len(s) >= 6 && len(s) <= 10 && isLowerAlnum(s)
}

func isOrdinal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isLowerAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
