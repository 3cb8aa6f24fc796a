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

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	"github.com/awslabs/open-resource-broker/pkg/errors"
)

// printValue serializes a value in the requested output format. JSON output
// is deterministic: encoding/json sorts map keys.
func printValue(format string, value interface{}) error {
	switch format {
	case "", "json":
		encoded, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding output, %w", err)
		}
		fmt.Println(string(encoded))
	case "yaml":
		encoded, err := yaml.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding output, %w", err)
		}
		fmt.Print(string(encoded))
	case "table":
		return printTable(value)
	case "list":
		return printList(value)
	default:
		return errors.Validation("unknown output format %q, expected json, yaml, table or list", format)
	}
	return nil
}

// printTable flattens the value into rows. Lists of objects become one row
// per element; single objects become a key/value table.
func printTable(value interface{}) error {
	rows, headers := tabulate(value)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func printList(value interface{}) error {
	rows, headers := tabulate(value)
	for _, row := range rows {
		for i, header := range headers {
			fmt.Printf("%s: %s\n", header, row[i])
		}
		fmt.Println()
	}
	return nil
}

func tabulate(value interface{}) (rows [][]string, headers []string) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return [][]string{{fmt.Sprint(value)}}, []string{"value"}
	}
	var generic interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return [][]string{{string(encoded)}}, []string{"value"}
	}

	// unwrap single-key wrappers like {"templates": [...]}
	if m, ok := generic.(map[string]interface{}); ok && len(m) == 1 {
		for _, inner := range m {
			if _, isList := inner.([]interface{}); isList {
				generic = inner
			}
		}
	}

	switch v := generic.(type) {
	case []interface{}:
		keys := map[string]struct{}{}
		for _, item := range v {
			if obj, ok := item.(map[string]interface{}); ok {
				for key := range obj {
					keys[key] = struct{}{}
				}
			}
		}
		headers = make([]string, 0, len(keys))
		for key := range keys {
			headers = append(headers, key)
		}
		sort.Strings(headers)
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				rows = append(rows, []string{fmt.Sprint(item)})
				continue
			}
			row := make([]string, len(headers))
			for i, key := range headers {
				row[i] = cellString(obj[key])
			}
			rows = append(rows, row)
		}
		return rows, headers
	case map[string]interface{}:
		headers = []string{"field", "value"}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			rows = append(rows, []string{key, cellString(v[key])})
		}
		return rows, headers
	default:
		return [][]string{{fmt.Sprint(v)}}, []string{"value"}
	}
}

func cellString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}
