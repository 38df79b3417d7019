// Package s3 uploads media blobs to S3-compatible object storage.
package s3

import (
	"sort"
)

// Regional AWS S3 hosts. Unknown regions fall back to the global host.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// Endpoint is how a provider is addressed.
type Endpoint struct {
	// BaseURL is the scheme and host, without bucket.
	BaseURL   string
	Region    string
	PathStyle bool
}

// AWSEndpoint returns the virtual-host style endpoint for region.
func AWSEndpoint(region string) Endpoint {
	if region == "" {
		region = "us-east-1"
	}
	host, ok := awsEndpoints[region]
	if !ok {
		host = "s3.amazonaws.com"
	}
	return Endpoint{BaseURL: "https://" + host, Region: region}
}

// SupportedAWSRegions returns the regions with a known host, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for r := range awsEndpoints {
		regions = append(regions, r)
	}
	sort.Strings(regions)
	return regions
}
