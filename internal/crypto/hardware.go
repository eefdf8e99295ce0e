package crypto

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/kenneth/document-vault/internal/config"
)

// HasAESHardwareSupport checks if the CPU supports AES hardware acceleration.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ
	case "arm64":
		return cpu.ARM64.HasAES && cpu.ARM64.HasPMULL
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled checks if hardware acceleration is supported AND enabled in config.
func IsHardwareAccelerationEnabled(cfg config.HardwareConfig) bool {
	if !HasAESHardwareSupport() {
		return false
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		return cfg.EnableAESNI
	case "arm64":
		return cfg.EnableARMv8AES
	default:
		return true
	}
}

// SelectAlgorithm resolves the configured algorithm for new items. "auto"
// picks AES-256-GCM on hosts with enabled AES instructions and
// ChaCha20-Poly1305 elsewhere, where it is both faster and constant-time.
func SelectAlgorithm(cfg config.CryptoConfig) (Algorithm, error) {
	if strings.EqualFold(cfg.Algorithm, "auto") || cfg.Algorithm == "" {
		if IsHardwareAccelerationEnabled(cfg.Hardware) {
			return AlgorithmAES256GCM, nil
		}
		return AlgorithmChaCha20Poly1305, nil
	}
	alg, err := ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return "", fmt.Errorf("crypto.algorithm: %w", err)
	}
	return alg, nil
}

// GetHardwareAccelerationInfo returns information about hardware acceleration support.
func GetHardwareAccelerationInfo(cfg *config.CryptoConfig) map[string]interface{} {
	info := map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}

	if cfg != nil {
		info["aes_ni_enabled"] = cfg.Hardware.EnableAESNI
		info["armv8_aes_enabled"] = cfg.Hardware.EnableARMv8AES
		info["hardware_acceleration_active"] = IsHardwareAccelerationEnabled(cfg.Hardware)
		if alg, err := SelectAlgorithm(*cfg); err == nil {
			info["algorithm"] = string(alg)
		}
	}

	return info
}
