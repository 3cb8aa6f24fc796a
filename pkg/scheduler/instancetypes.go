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

package scheduler

// hostAttributes carries the per-instance-type host attributes the
// HostFactory wire format synthesizes.
type hostAttributes struct {
	NCPUs   int
	NRAMMiB int
}

// knownInstanceTypes is the static capability table for common instance
// types. Types missing here fall back to the configured defaults.
var knownInstanceTypes = map[string]hostAttributes{
	"t3.micro":     {NCPUs: 2, NRAMMiB: 1024},
	"t3.small":     {NCPUs: 2, NRAMMiB: 2048},
	"t3.medium":    {NCPUs: 2, NRAMMiB: 4096},
	"t3.large":     {NCPUs: 2, NRAMMiB: 8192},
	"t3.xlarge":    {NCPUs: 4, NRAMMiB: 16384},
	"m5.large":     {NCPUs: 2, NRAMMiB: 8192},
	"m5.xlarge":    {NCPUs: 4, NRAMMiB: 16384},
	"m5.2xlarge":   {NCPUs: 8, NRAMMiB: 32768},
	"m5.4xlarge":   {NCPUs: 16, NRAMMiB: 65536},
	"m6i.large":    {NCPUs: 2, NRAMMiB: 8192},
	"m6i.xlarge":   {NCPUs: 4, NRAMMiB: 16384},
	"m6i.2xlarge":  {NCPUs: 8, NRAMMiB: 32768},
	"c5.large":     {NCPUs: 2, NRAMMiB: 4096},
	"c5.xlarge":    {NCPUs: 4, NRAMMiB: 8192},
	"c5.2xlarge":   {NCPUs: 8, NRAMMiB: 16384},
	"c5.4xlarge":   {NCPUs: 16, NRAMMiB: 32768},
	"c6i.large":    {NCPUs: 2, NRAMMiB: 4096},
	"c6i.xlarge":   {NCPUs: 4, NRAMMiB: 8192},
	"r5.large":     {NCPUs: 2, NRAMMiB: 16384},
	"r5.xlarge":    {NCPUs: 4, NRAMMiB: 32768},
	"r5.2xlarge":   {NCPUs: 8, NRAMMiB: 65536},
	"r6i.large":    {NCPUs: 2, NRAMMiB: 16384},
	"r6i.xlarge":   {NCPUs: 4, NRAMMiB: 32768},
	"m5a.large":    {NCPUs: 2, NRAMMiB: 8192},
	"m5a.xlarge":   {NCPUs: 4, NRAMMiB: 16384},
	"c5a.large":    {NCPUs: 2, NRAMMiB: 4096},
	"c5a.xlarge":   {NCPUs: 4, NRAMMiB: 8192},
}

func lookupAttributes(instanceType string, fallback hostAttributes) hostAttributes {
	if attrs, ok := knownInstanceTypes[instanceType]; ok {
		return attrs
	}
	return fallback
}
