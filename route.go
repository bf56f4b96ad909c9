/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package speedcord

import "fmt"

// Route names a REST endpoint and the path parameters that identify its
// rate-limit bucket. ChannelID and GuildID scope the bucket key alongside
// Path; the key uses Path exactly as given, so routes whose paths differ
// (including by a resource's own snowflake) land in different buckets.
type Route struct {
	Method    string
	Path      string
	ChannelID Snowflake
	GuildID   Snowflake
}

// BucketKey returns the string that scopes this route to a rate-limit
// bucket, grounded on the original's Route.bucket property:
// f"{channel_id}:{guild_id}:{path}".
func (r Route) BucketKey() string {
	return fmt.Sprintf("%d:%d:%s", r.ChannelID, r.GuildID, r.Path)
}
