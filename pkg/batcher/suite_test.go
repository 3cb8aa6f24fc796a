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

package batcher_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/awslabs/open-resource-broker/pkg/fake"
)

var (
	ctx        context.Context
	cancelCtx  context.CancelFunc
	fakeEC2API *fake.EC2API
)

func TestBatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Batcher")
}

var _ = BeforeEach(func() {
	ctx, cancelCtx = context.WithCancel(context.Background())
	fakeEC2API = fake.NewEC2API()
})

var _ = AfterEach(func() {
	cancelCtx()
})
