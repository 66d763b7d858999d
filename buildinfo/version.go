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

package buildinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"text/tabwriter"
)

const (
	Name    = "vcollector"
	Unknown = "unknown"
)

// Overridden at link time with -ldflags "-X ...".
var (
	gitVersion  = Unknown
	gitRevision = Unknown
	date        = Unknown

	Info info
)

type info struct {
	Name        string `json:"name"`
	Arch        string `json:"arch"`
	Date        string `json:"build_date"`
	GitRevision string `json:"revision"`
	GitVersion  string `json:"version"`
	GoVersion   string `json:"go_version"`
	OS          string `json:"os"`
}

func init() {
	Info.Name = Name
	Info.Arch = runtime.GOARCH
	Info.Date = date
	Info.GitRevision = gitRevision
	Info.GitVersion = gitVersion
	Info.GoVersion = runtime.Version()
	Info.OS = runtime.GOOS

	// Without ldflags, fall back to the VCS stamp embedded by the
	// toolchain.
	if Info.GitRevision == Unknown {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					Info.GitRevision = s.Value
				}
			}
		}
	}
}

func Print(dest io.Writer) error {
	w := tabwriter.NewWriter(dest, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", Info.Name)
	fmt.Fprintf(w, "Version:\t%q\n", Info.GitVersion)
	fmt.Fprintf(w, "Revision:\t%q\n", Info.GitRevision)
	fmt.Fprintf(w, "Build Date:\t%q\n", Info.Date)
	fmt.Fprintf(w, "Go Version:\t%q\n", Info.GoVersion)
	fmt.Fprintf(w, "Go OS/ARCH:\t%s/%s\n", Info.OS, Info.Arch)
	return w.Flush()
}

func JSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(Info)
}
