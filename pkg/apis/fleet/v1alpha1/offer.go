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

package v1alpha1

// Offer is a time-bounded advertisement of resources by a worker
// agent. When the placement engine accepts one it is consumed;
// unaccepted offers are rejected back to the agent before expiry.
type Offer struct {
	ID      string
	AgentID string

	Available  Resources
	Attributes map[string]string

	IssuedAtUnixMS int64
	ExpiresAtMS    int64
}

// Expired reports whether the offer has passed its own expiry, or is
// older than maxAgeSec measured from nowMS.
func (o Offer) Expired(nowMS, maxAgeSec int64) bool {
	if o.ExpiresAtMS > 0 && nowMS >= o.ExpiresAtMS {
		return true
	}
	if maxAgeSec <= 0 {
		return false
	}
	return nowMS-o.IssuedAtUnixMS >= maxAgeSec*1000
}

// Clone returns a deep copy of o.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	c := *o
	if o.Attributes != nil {
		c.Attributes = make(map[string]string, len(o.Attributes))
		for k, v := range o.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
