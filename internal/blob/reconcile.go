// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package blob

// Plan is the server's verdict on a reconciliation pass: which locally
// held keys should be uploaded, which server keys should be downloaded,
// and which local keys should be dropped (spec §3 "three-way
// reconciliation ... classifies each key as download|upload|delete").
type Plan struct {
	Download []string
	Upload   []string
	Delete   []string
}

// Classify is the local half of reconciliation: given the server's
// version for each key it knows about (absent means the server doesn't
// have it), decide the plan by comparing against this store's local
// versions. This mirrors what a server-side implementation would do
// when it receives the LocalVersions snapshot, and is exposed here so
// a from-scratch HTTP-less test (or a server stand-in) can classify
// without a network round trip.
func Classify(local map[string]int, server map[string]int) Plan {
	var plan Plan
	for key, localVersion := range local {
		serverVersion, onServer := server[key]
		switch {
		case !onServer:
			plan.Delete = append(plan.Delete, key)
		case serverVersion > localVersion:
			plan.Download = append(plan.Download, key)
		case localVersion > serverVersion:
			plan.Upload = append(plan.Upload, key)
		}
	}
	for key := range server {
		if _, onLocal := local[key]; !onLocal {
			plan.Download = append(plan.Download, key)
		}
	}
	return plan
}
