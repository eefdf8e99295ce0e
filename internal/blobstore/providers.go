package blobstore

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ProviderProfile holds the defaults for one S3-compatible provider.
type ProviderProfile struct {
	Name             string
	DefaultEndpoint  string
	EndpointTemplate string
	DefaultRegion    string
	PathStyle        bool
}

// KnownProviders lists the S3-compatible services the vault has been run
// against. An empty DefaultEndpoint means the SDK resolves it.
var KnownProviders = map[string]ProviderProfile{
	"aws": {
		Name:          "AWS S3",
		DefaultRegion: "us-east-1",
	},
	"minio": {
		Name:            "MinIO",
		DefaultEndpoint: "http://localhost:9000",
		DefaultRegion:   "us-east-1",
		PathStyle:       true,
	},
	"garage": {
		Name:            "Garage",
		DefaultEndpoint: "http://localhost:3900",
		DefaultRegion:   "garage",
		PathStyle:       true,
	},
	"wasabi": {
		Name:             "Wasabi",
		EndpointTemplate: "https://s3.%s.wasabisys.com",
		DefaultEndpoint:  "https://s3.wasabisys.com",
		DefaultRegion:    "us-east-1",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		DefaultRegion:    "nyc3",
	},
	"backblaze": {
		Name:             "Backblaze B2",
		EndpointTemplate: "https://s3.%s.backblazeb2.com",
		DefaultEndpoint:  "https://s3.us-west-000.backblazeb2.com",
		DefaultRegion:    "us-west-000",
		PathStyle:        true,
	},
	"cloudflare": {
		Name:          "Cloudflare R2",
		DefaultRegion: "auto",
	},
	"scaleway": {
		Name:             "Scaleway Object Storage",
		EndpointTemplate: "https://s3.%s.scw.cloud",
		DefaultEndpoint:  "https://s3.fr-par.scw.cloud",
		DefaultRegion:    "fr-par",
	},
}

// GetProviderProfile returns the profile for provider, case-insensitively.
func GetProviderProfile(provider string) (ProviderProfile, error) {
	if provider == "" {
		return ProviderProfile{}, fmt.Errorf("provider name is required")
	}
	p, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderProfile{}, fmt.Errorf("unknown provider: %s (supported: %s)",
			provider, strings.Join(providerNames(), ", "))
	}
	return p, nil
}

// ResolvedEndpoint is the addressing a store should use.
type ResolvedEndpoint struct {
	// Endpoint is empty when the SDK should resolve it (AWS).
	Endpoint  string
	Region    string
	PathStyle bool
}

// ResolveEndpoint fills endpoint, region and addressing style from the
// provider profile where the configuration leaves them empty.
func ResolveEndpoint(provider, endpoint, region string, forcePathStyle bool) (ResolvedEndpoint, error) {
	p, err := GetProviderProfile(provider)
	if err != nil {
		return ResolvedEndpoint{}, err
	}
	if region == "" {
		region = p.DefaultRegion
	}
	if endpoint == "" {
		if p.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(p.EndpointTemplate, region)
		} else {
			endpoint = p.DefaultEndpoint
		}
	}
	if endpoint != "" {
		endpoint = normalizeEndpoint(endpoint)
		if err := ValidateEndpoint(endpoint); err != nil {
			return ResolvedEndpoint{}, err
		}
	}
	return ResolvedEndpoint{
		Endpoint:  endpoint,
		Region:    region,
		PathStyle: forcePathStyle || p.PathStyle,
	}, nil
}

// normalizeEndpoint adds a scheme when missing and drops a trailing slash.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint validates that an endpoint URL is well-formed.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http:// or https:// scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a hostname")
	}
	return nil
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
