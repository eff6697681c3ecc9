package config

import (
	"os"
	"strconv"
	"strings"
)

func getString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func getStringOr(key, fallback string) string {
	if value := getString(key); value != "" {
		return value
	}
	return fallback
}

// getInt returns 0 if the variable is unset or not an integer
func getInt(key string) int {
	value, err := strconv.Atoi(getString(key))
	if err != nil {
		return 0
	}
	return value
}

// getList splits a comma-separated variable, dropping empty entries
func getList(key string) []string {
	var result []string
	for _, item := range strings.Split(getString(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
