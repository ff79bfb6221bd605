// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package opcache

import (
	"github.com/tilegraph/core/pixsrc"
	"github.com/tilegraph/core/region"
)

// TouchImage extends the touch time of whatever entry produced im (if
// any), and transitively the entries that produced that entry's own
// upstream inputs. region.Region.Prepare calls this, through the hook
// installed below, every time it reuses an exact buffer-cache hit for
// im — reading an image's already-filled pixels is itself a reference
// to it, and per the cache's transitive-touch rule that reference
// must reach the operation that produced it or a subsequent trim
// could evict the producing entry out from under a live image.
func (c *Cache) TouchImage(im pixsrc.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.producedBy[im]; ok {
		c.touchLocked(e)
	}
}

// init wires the process-wide Cache into region's buffer-cache-hit
// path. region has no dependency on opcache (or any notion of
// operations at all — a Region is filled by an Image's Generate
// callback directly), so the wiring runs in this direction only.
func init() {
	region.SetCacheTimeHook(func(im pixsrc.Image) {
		Global().TouchImage(im)
	})
}
