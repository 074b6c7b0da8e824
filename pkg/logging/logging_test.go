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

package logging_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nimbusfleet/fleetcore/pkg/logging"
)

var _ = Describe("New", func() {
	It("builds a usable logger for both presets", func() {
		for _, mode := range []logging.Mode{logging.Production, logging.Development} {
			logger, err := logging.New(mode)
			Expect(err).NotTo(HaveOccurred())
			Expect(logger.GetSink()).NotTo(BeNil())
		}
	})

	It("threads the built logger through a context retrievable via log.FromContext", func() {
		logger, err := logging.New(logging.Development)
		Expect(err).NotTo(HaveOccurred())

		ctx := logging.IntoContext(context.Background(), logger)
		Expect(crlog.FromContext(ctx).GetSink()).To(Equal(logger.GetSink()))
	})
})
