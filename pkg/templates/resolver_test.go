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

package templates

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/open-resource-broker/pkg/apis"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestInstanceTierWinsMergePrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", `{
  "templates": [{"template_id": "t1", "image_id": "ami-1", "instance_type": "m5.large"}]
}`)
	writeFile(t, dir, "awsprov_templates.json", `{
  "templates": [{"template_id": "t1", "image_id": "ami-1", "instance_type": "t3.micro"}]
}`)

	resolver := NewResolver(Config{Paths: []string{dir}}, nil)
	template, err := resolver.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "m5.large", template.InstanceType)
}

func TestLegacyLayoutMergesAtLowestPriority(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "templates.json", `{
  "templates": [
    {"template_id": "t1", "image_id": "ami-legacy", "instance_type": "t3.micro"},
    {"template_id": "t2", "image_id": "ami-legacy", "instance_type": "t3.small"}
  ]
}`)
	writeFile(t, dir, "awstype_templates.yaml", `
templates:
  - template_id: t1
    image_id: ami-tier
    instance_type: c5.large
`)

	resolver := NewResolver(Config{Paths: []string{dir}}, nil)
	t1, err := resolver.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "c5.large", t1.InstanceType)

	t2, err := resolver.Resolve(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "t3.small", t2.InstanceType)
}

func TestCamelCaseKeysNormalize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", `{
  "templates": [{
    "templateId": "hf1",
    "imageId": "ami-1",
    "vmType": "m5.xlarge",
    "maxNumber": 7,
    "subnetId": "subnet-1"
  }]
}`)

	resolver := NewResolver(Config{Paths: []string{dir}}, nil)
	template, err := resolver.Resolve(context.Background(), "hf1")
	require.NoError(t, err)
	assert.Equal(t, "m5.xlarge", template.InstanceType)
	assert.Equal(t, 7, template.MaxNumber)
	assert.Equal(t, []string{"subnet-1"}, template.SubnetIDs)
}

func TestUnknownTemplateIsNotFound(t *testing.T) {
	resolver := NewResolver(Config{Paths: []string{t.TempDir()}}, nil)
	_, err := resolver.Resolve(context.Background(), "missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestManagedCreateUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	resolver := NewResolver(Config{Paths: []string{dir}, DefaultProvider: "aws"}, nil)

	template := &apis.Template{
		TemplateID:   "managed-1",
		ImageID:      "ami-1",
		InstanceType: "t3.medium",
	}
	require.NoError(t, resolver.Create(context.Background(), template))

	resolved, err := resolver.Resolve(context.Background(), "managed-1")
	require.NoError(t, err)
	assert.Equal(t, "t3.medium", resolved.InstanceType)

	err = resolver.Create(context.Background(), template)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	template.InstanceType = "m5.large"
	require.NoError(t, resolver.Update(context.Background(), template))
	resolved, err = resolver.Resolve(context.Background(), "managed-1")
	require.NoError(t, err)
	assert.Equal(t, "m5.large", resolved.InstanceType)

	require.NoError(t, resolver.Delete(context.Background(), "managed-1"))
	_, err = resolver.Resolve(context.Background(), "managed-1")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestRendererSubstitutesPlaceholders(t *testing.T) {
	renderer := NewRenderer(RenderOptions{})
	rendered, err := renderer.Render(
		[]byte(`{"tag": "{{template_id}}-{{request_id}}", "count": {{requested_count}}}`),
		Variables{RequestID: "req-1", TemplateID: "t1", RequestedCount: 3},
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tag": "t1-req-1", "count": 3}`, string(rendered))
}

func TestRendererRejectsUnknownPlaceholder(t *testing.T) {
	renderer := NewRenderer(RenderOptions{})
	_, err := renderer.Render([]byte(`{{mystery}}`), Variables{})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRendererEnforcesRecursionDepth(t *testing.T) {
	renderer := NewRenderer(RenderOptions{MaxRecursionDepth: 3})
	// the substituted value reintroduces and grows the placeholder each pass
	_, err := renderer.Render([]byte(`{{request_id}}`), Variables{RequestID: "x-{{request_id}}"})
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestRendererAutoEscapes(t *testing.T) {
	renderer := NewRenderer(RenderOptions{AutoEscape: true})
	rendered, err := renderer.Render([]byte(`{"v": "{{request_id}}"}`), Variables{RequestID: `a"b`})
	require.NoError(t, err)
	assert.Equal(t, `{"v": "a\"b"}`, string(rendered))
}

func TestMergeSpecModes(t *testing.T) {
	legacy := map[string]interface{}{"Type": "instant", "Keep": "yes"}

	merged, err := MergeSpec(apis.MergeModeExtend, legacy, []byte(`{"Type": "maintain"}`))
	require.NoError(t, err)
	assert.Equal(t, "maintain", merged["Type"])
	assert.Equal(t, "yes", merged["Keep"])

	overridden, err := MergeSpec(apis.MergeModeOverride, legacy, []byte(`{"Type": "maintain"}`))
	require.NoError(t, err)
	assert.Equal(t, "maintain", overridden["Type"])
	assert.NotContains(t, overridden, "Keep")

	untouched, err := MergeSpec(apis.MergeModeNone, legacy, []byte(`{"Type": "maintain"}`))
	require.NoError(t, err)
	assert.Equal(t, "instant", untouched["Type"])
}
