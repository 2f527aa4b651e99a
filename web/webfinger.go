package web

import (
	"fmt"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/util"
)

func GetWebfinger(user string, conf *util.AppConfig, database *db.DB) (error, string) {

	err, acc := database.ReadAccByUsername(user)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	username := acc.Username

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "https://%s/users/%s"
						}
					]
				}`, username, conf.Conf.SslDomain,
		conf.Conf.SslDomain, username)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
