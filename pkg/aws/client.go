/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package aws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// ClientOptions tunes the SDK clients built for one provider instance.
type ClientOptions struct {
	Region string
	// Profile selects a shared-config profile; empty uses the default chain.
	Profile string
	// EndpointURL overrides the service endpoint, used against local stacks.
	EndpointURL string
	// MaxConnsPerHost bounds the connection pool shared by both clients.
	MaxConnsPerHost int
}

// Clients bundles the SDK clients one provider instance talks through.
type Clients struct {
	EC2 EC2API
	ASG ASGAPI
}

// NewClients loads the AWS configuration chain and builds the EC2 and
// Auto Scaling clients for a provider instance.
func NewClients(ctx context.Context, opts ClientOptions) (*Clients, error) {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 100
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{MaxConnsPerHost: opts.MaxConnsPerHost},
		}),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration, %w", err)
	}
	var ec2Opts []func(*ec2.Options)
	var asgOpts []func(*autoscaling.Options)
	if opts.EndpointURL != "" {
		ec2Opts = append(ec2Opts, func(o *ec2.Options) { o.BaseEndpoint = aws.String(opts.EndpointURL) })
		asgOpts = append(asgOpts, func(o *autoscaling.Options) { o.BaseEndpoint = aws.String(opts.EndpointURL) })
	}
	return &Clients{
		EC2: ec2.NewFromConfig(cfg, ec2Opts...),
		ASG: autoscaling.NewFromConfig(cfg, asgOpts...),
	}, nil
}
