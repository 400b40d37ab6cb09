// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package router

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/relayd/torrentd/internal/core"
)

// registryRecord is one line of the registry file: everything needed to
// reconstruct a tracked torrent on restart except its metainfo, which is
// stored separately under metainfoDir.
type registryRecord struct {
	id       int
	infoHash core.InfoHash
	filename string
	enabled  bool
}

// registryPath returns the path of the registry file within dir.
func registryPath(dir, filename string) string {
	return filepath.Join(dir, filename)
}

// metainfoDir returns the directory serialized metainfo blobs are stored in,
// one file per tracked torrent, named by info hash.
func metainfoDir(dir string) string {
	return filepath.Join(dir, "metainfo")
}

func metainfoPath(dir string, h core.InfoHash) string {
	return filepath.Join(metainfoDir(dir), h.Hex()+".json")
}

// loadRegistry reads every record from the registry file. A missing file is
// treated as an empty registry, since a router with no prior state hasn't
// written one yet.
func loadRegistry(dir, filename string) ([]registryRecord, error) {
	f, err := os.Open(registryPath(dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []registryRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed registry line: %q", line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed registry id: %s", err)
		}
		h, err := core.NewInfoHashFromHex(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed registry info hash: %s", err)
		}
		records = append(records, registryRecord{
			id:       id,
			infoHash: h,
			filename: fields[3],
			enabled:  fields[2] == "enabled",
		})
	}
	return records, scanner.Err()
}

// saveRegistry rewrites the registry file to exactly the given records,
// writing to a temp file in the same directory and renaming over the
// original so a crash mid-write never leaves a corrupt registry.
func saveRegistry(dir, filename string, records []registryRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var b strings.Builder
	for _, r := range records {
		state := "disabled"
		if r.enabled {
			state = "enabled"
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\n", r.id, r.infoHash.Hex(), state, r.filename)
	}
	path := registryPath(dir, filename)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// saveMetaInfo persists mi's serialized form so it can be reloaded on
// restart without the caller needing to supply it again.
func saveMetaInfo(dir string, mi *core.MetaInfo) error {
	if err := os.MkdirAll(metainfoDir(dir), 0755); err != nil {
		return err
	}
	raw, err := mi.Serialize()
	if err != nil {
		return fmt.Errorf("serialize metainfo: %s", err)
	}
	path := metainfoPath(dir, mi.InfoHash())
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadMetaInfo(dir string, h core.InfoHash) (*core.MetaInfo, error) {
	raw, err := ioutil.ReadFile(metainfoPath(dir, h))
	if err != nil {
		return nil, err
	}
	return core.DeserializeMetaInfo(raw)
}

func removeMetaInfo(dir string, h core.InfoHash) error {
	err := os.Remove(metainfoPath(dir, h))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
