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

// Well-known agent attribute keys.
const (
	AttrInstanceGroup = "instance-group"
	AttrZone          = "zone"
)

// Agent is a worker node in the fleet, created when its first offer
// arrives and removed once marked inactive with all its tasks
// migrated.
type Agent struct {
	ID       string
	Hostname string
	IP       string

	Attributes map[string]string
	Total      Resources

	RunningTaskIDs []string

	// DisabledUntilMS is a unix-millis deadline; zero means enabled.
	DisabledUntilMS int64
}

// InstanceGroup returns the agent's instance-group attribute, or "" if
// unset.
func (a Agent) InstanceGroup() string { return a.Attributes[AttrInstanceGroup] }

// Zone returns the agent's zone attribute, or "" if unset.
func (a Agent) Zone() string { return a.Attributes[AttrZone] }

// DisabledAt reports whether the agent is disabled at nowMS.
func (a Agent) DisabledAt(nowMS int64) bool {
	return a.DisabledUntilMS > 0 && nowMS < a.DisabledUntilMS
}

// Clone returns a deep copy of a.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Attributes != nil {
		c.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			c.Attributes[k] = v
		}
	}
	c.RunningTaskIDs = append([]string(nil), a.RunningTaskIDs...)
	return &c
}
