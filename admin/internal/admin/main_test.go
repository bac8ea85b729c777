package admin

import (
	"context"
	"os"
	"testing"

	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

var (
	sharedDB *laketesting.DB
)

func TestMain(m *testing.M) {
	log := laketesting.NewLogger()
	var err error
	sharedDB, err = laketesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
