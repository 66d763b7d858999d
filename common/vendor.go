/*
 * Copyright 2025 VelocityCollector Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import "strings"

// vendorMap rewrites manufacturer names as they appear in device
// inventories into the short platform tags used by parser template
// command tags.
var vendorMap = map[string]string{
	"cisco_systems":       "cisco_ios",
	"cisco_systems,_inc.": "cisco_ios",
	"arista_networks":     "arista_eos",
	"juniper_networks":    "juniper_junos",
	"hewlett_packard":     "hp_procurve",
	"huawei_technologies": "huawei_vrp",
}

// NormalizeVendor lowercases a manufacturer name, replaces spaces with
// underscores and maps well known manufacturer names onto their
// Netmiko-style platform tag. Unknown vendors pass through normalized.
func NormalizeVendor(vendor string) string {
	v := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(vendor)), " ", "_")
	if mapped, ok := vendorMap[v]; ok {
		return mapped
	}
	return v
}
