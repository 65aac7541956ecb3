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

package main

import (
	"net/http"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mareana/eks-app-controller/pkg/operator"
	"github.com/mareana/eks-app-controller/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	ctx, op, err := operator.New(ctrl.SetupSignalHandler(), opts)
	if err != nil {
		panic(err)
	}
	logger := log.FromContext(ctx)
	logger.Info("starting controller", "cluster", opts.ClusterName, "region", opts.Region, "api-port", opts.APIPort)
	if err := op.Start(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "controller exited")
	}
}
