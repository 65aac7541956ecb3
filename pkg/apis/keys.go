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

package apis

import (
	"fmt"
	"strings"
)

// Key prefixes partition the single registry table into record families.
// Application writes never touch the lease family and vice versa.
const (
	AppKeyPrefix      = "APP#"
	LeaseKeyPrefix    = "LOCK#DB#"
	ScheduleKeyPrefix = "SCHED#"
	OpLogKeyPrefix    = "OPLOG#"
	CostKeyPrefix     = "COST#"
)

func AppKey(appName string) string {
	return AppKeyPrefix + appName
}

func LeaseKey(resourceID string) string {
	return LeaseKeyPrefix + resourceID
}

func ScheduleKey(appName string) string {
	return ScheduleKeyPrefix + appName
}

func OpLogKey(appName string, unixNanos int64) string {
	return fmt.Sprintf("%s%s#%020d", OpLogKeyPrefix, appName, unixNanos)
}

func OpLogAppPrefix(appName string) string {
	return OpLogKeyPrefix + appName + "#"
}

func CostKey(appName, date string) string {
	return fmt.Sprintf("%s%s#%s", CostKeyPrefix, appName, date)
}

func CostLatestKey(appName string) string {
	return CostKey(appName, "latest")
}

// AppNameFromKey strips the application prefix; returns the input unchanged if
// it is not an application key.
func AppNameFromKey(key string) string {
	return strings.TrimPrefix(key, AppKeyPrefix)
}
